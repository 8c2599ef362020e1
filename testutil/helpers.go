package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SkipIfNoDevice skips test if no VCMD UIO device is present
func SkipIfNoDevice(t *testing.T) string {
	t.Helper()

	if path := os.Getenv("VCMD_DEVICE"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	devices := []string{"/dev/uio0", "/dev/uio1", "/dev/uio2"}
	for _, path := range devices {
		name, err := os.ReadFile(filepath.Join("/sys/class/uio", filepath.Base(path), "name"))
		if err == nil && len(name) >= 4 && string(name[:4]) == "vcmd" {
			return path
		}
	}
	t.Skip("No VCMD device available")
	return ""
}

// Eventually polls cond until it holds or timeout expires
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", msg, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// AssertEqual fails if values are not equal
func AssertEqual(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

// AssertNoError fails if error is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError fails if error is nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected error, got nil", msg)
	}
}

// AssertUint32s compares id sequences
func AssertUint32s(t *testing.T, got, want []uint32, msg string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: got %v, want %v", msg, got, want)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("%s: got %v, want %v", msg, got, want)
			return
		}
	}
}
