//go:build unit

package driver

import (
	"encoding/binary"
	"testing"
)

func TestJumpEncoding(t *testing.T) {
	j := Jump{
		Ready:    true,
		IE:       true,
		NextLen:  JumpLength(200),
		NextAddr: 0x1_2345_6780,
		NextID:   42,
	}
	b := make([]byte, JumpSize)
	PutJump(b, 0, j)

	w0 := binary.LittleEndian.Uint32(b)
	if Opcode(w0) != OpcodeJmp {
		t.Errorf("opcode %#x, expected JMP", Opcode(w0))
	}
	if w0&JumpRdyBit == 0 || w0&JumpIEBit == 0 {
		t.Errorf("control word %#x missing RDY or IE", w0)
	}
	if got := w0 & JumpLengthMask; got != 25 {
		t.Errorf("length field %d, expected 25 units for 200 bytes", got)
	}
	if got := ReadJump(b, 0); got != j {
		t.Errorf("ReadJump = %+v, expected %+v", got, j)
	}
	if got := LoadJump(b, 0); got != j {
		t.Errorf("LoadJump = %+v, expected %+v", got, j)
	}
}

func TestStoreJumpMatchesPutJump(t *testing.T) {
	j := Jump{Ready: true, NextLen: 3, NextAddr: 0x4000_1000, NextID: 9}
	a := make([]byte, 2*JumpSize)
	b := make([]byte, 2*JumpSize)
	PutJump(a, JumpSize, j)
	StoreJump(b, JumpSize, j)
	if string(a) != string(b) {
		t.Errorf("StoreJump wrote % x, PutJump wrote % x", b, a)
	}
}

func TestJumpLengthRoundsUp(t *testing.T) {
	tests := []struct {
		size int
		want uint16
	}{
		{8, 1},
		{16, 2},
		{20, 3},
		{2048, 256},
	}
	for _, tt := range tests {
		if got := JumpLength(tt.size); got != tt.want {
			t.Errorf("JumpLength(%d) = %d, expected %d", tt.size, got, tt.want)
		}
	}
}

func TestProgramLayout(t *testing.T) {
	p := NewProgram().
		WReg(0x1000, 1, 2, 3).
		RReg(0x1000, 2, 0x4000_0000).
		Stall(5).
		Nop().
		Int().
		ClrInt(IrqJmp).
		Jmp()

	want := (1+3)*WordSize + RRegWords*WordSize + StallWords*WordSize +
		NopWords*WordSize + IntWords*WordSize + ClrIntWords*WordSize + JumpSize
	if p.Len() != want {
		t.Fatalf("program is %d bytes, expected %d", p.Len(), want)
	}

	b := p.Bytes()
	w0 := binary.LittleEndian.Uint32(b)
	if Opcode(w0) != OpcodeWReg {
		t.Errorf("first opcode %#x, expected WREG", Opcode(w0))
	}
	if n := (w0 >> WRegCountShift) & WRegCountMask; n != 3 {
		t.Errorf("WREG count %d, expected 3", n)
	}
	if off := w0 & WRegOffsetMask; off != 0x1000 {
		t.Errorf("WREG offset %#x, expected 0x1000", off)
	}

	rr := binary.LittleEndian.Uint32(b[16:])
	if Opcode(rr) != OpcodeRReg {
		t.Errorf("second opcode %#x, expected RREG", Opcode(rr))
	}
	if addr := binary.LittleEndian.Uint32(b[24:]); addr != 0x4000_0000 {
		t.Errorf("RREG destination %#x", addr)
	}

	if !IsJumpAt(b, JumpOffset(len(b))) {
		t.Error("program does not end in a jump")
	}
	j := ReadJump(b, JumpOffset(len(b)))
	if j.Ready || !j.IE {
		t.Errorf("fresh trailing jump %+v, expected RDY clear and IE set", j)
	}
}

func TestEndsWithoutJump(t *testing.T) {
	tests := []struct {
		name string
		prog *Program
		want bool
	}{
		{"end", NewProgram().Stall(1).End(), true},
		{"jump", NewProgram().Stall(1).Jmp(), false},
		{"neither", NewProgram().Nop().Nop(), false},
		{"empty", NewProgram(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EndsWithoutJump(tt.prog.Bytes()); got != tt.want {
				t.Errorf("EndsWithoutJump = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestIsJumpAtBounds(t *testing.T) {
	b := NewProgram().Jmp().Bytes()
	if IsJumpAt(b, -4) {
		t.Error("negative offset reported as jump")
	}
	if IsJumpAt(b, 4) {
		t.Error("jump overrunning the buffer reported as jump")
	}
	if !IsJumpAt(b, 0) {
		t.Error("jump at 0 not found")
	}
}
