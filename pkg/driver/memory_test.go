//go:build unit

package driver

import (
	"testing"
)

func TestAllocMemory(t *testing.T) {
	m, err := AllocMemory(100, 0x4000_0000)
	if err != nil {
		t.Fatalf("AllocMemory: %v", err)
	}
	defer m.Close()

	if len(m.Data()) != 100 || m.Size() != 100 {
		t.Errorf("size %d/%d, expected 100", len(m.Data()), m.Size())
	}
	if m.Bus() != 0x4000_0000 {
		t.Errorf("bus %#x", m.Bus())
	}
	for i, b := range m.Data() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestAllocMemoryZeroSize(t *testing.T) {
	if _, err := AllocMemory(0, 0); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestMemoryAddressing(t *testing.T) {
	m := WrapMemory(make([]byte, 64), 0x1000)

	tests := []struct {
		addr uint64
		n    uint64
		ok   bool
	}{
		{0x1000, 64, true},
		{0x1010, 16, true},
		{0x0fff, 1, false},
		{0x1030, 32, false},
		{0x1040, 1, false},
	}
	for _, tt := range tests {
		_, ok := m.Slice(tt.addr, tt.n)
		if ok != tt.ok {
			t.Errorf("Slice(%#x, %d) ok=%v, expected %v", tt.addr, tt.n, ok, tt.ok)
		}
	}
	if !m.Contains(0x103f) || m.Contains(0x1040) {
		t.Error("Contains disagrees with the region bounds")
	}

	s, _ := m.Slice(0x1008, 4)
	s[0] = 0xaa
	if m.Data()[8] != 0xaa {
		t.Error("Slice does not alias the region")
	}
	if err := m.Close(); err != nil {
		t.Errorf("closing wrapped memory: %v", err)
	}
}

func TestWordAccess(t *testing.T) {
	b := make([]byte, 16)
	Store32(b, 4, 0xdeadbeef)
	if got := Load32(b, 4); got != 0xdeadbeef {
		t.Errorf("Load32 = %#x", got)
	}
	if b[4] != 0xef || b[7] != 0xde {
		t.Errorf("word not stored little endian: % x", b[4:8])
	}
}
