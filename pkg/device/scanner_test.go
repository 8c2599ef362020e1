//go:build unit

package device

import (
	"os"
	"path/filepath"
	"testing"
)

// mockUIO creates sysfs and /dev entries for each node name
func mockUIO(t *testing.T, nodes map[string]string) *DeviceScanner {
	t.Helper()
	tmpDir := t.TempDir()
	sysfs := filepath.Join(tmpDir, "sys", "class", "uio")
	dev := filepath.Join(tmpDir, "dev")
	for _, dir := range []string{sysfs, dev} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	for node, name := range nodes {
		nodeDir := filepath.Join(sysfs, node, "maps", "map0")
		if err := os.MkdirAll(nodeDir, 0755); err != nil {
			t.Fatalf("failed to create node dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(sysfs, node, "name"), []byte(name+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(nodeDir, "size"), []byte("0x00004000\n"), 0644); err != nil {
			t.Fatal(err)
		}
		f, err := os.Create(filepath.Join(dev, node))
		if err != nil {
			t.Fatalf("failed to create device file: %v", err)
		}
		f.Close()
	}
	return &DeviceScanner{sysfsPath: sysfs, devPath: dev}
}

func TestScanFindsVcmdDevices(t *testing.T) {
	scanner := mockUIO(t, map[string]string{
		"uio2": "vcmd",
		"uio0": "vcmd-enc",
		"uio1": "gpio-irq",
	})

	found, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 devices, found %d: %+v", len(found), found)
	}
	if found[0].Index != 0 || found[1].Index != 2 {
		t.Errorf("devices not ordered by index: %+v", found)
	}
	if found[0].Name != "vcmd-enc" {
		t.Errorf("name %q", found[0].Name)
	}
	if found[1].Cores != 4 {
		t.Errorf("expected 4 cores from a 0x4000 map, got %d", found[1].Cores)
	}
}

func TestScanEmptyWhenNoDevices(t *testing.T) {
	scanner := mockUIO(t, nil)

	devices, err := scanner.Scan()
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected 0 devices, found %d", len(devices))
	}
}

func TestScanWithoutUIOClass(t *testing.T) {
	scanner := &DeviceScanner{sysfsPath: filepath.Join(t.TempDir(), "missing"), devPath: "/dev"}
	devices, err := scanner.Scan()
	if err != nil || len(devices) != 0 {
		t.Errorf("got %v, %v; expected no devices and no error", devices, err)
	}
}

func TestUIOIndex(t *testing.T) {
	tests := []struct {
		node  string
		index int
		ok    bool
	}{
		{"uio0", 0, true},
		{"uio17", 17, true},
		{"uio", 0, false},
		{"uiox", 0, false},
		{"ttyS0", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			index, ok := uioIndex(tt.node)
			if ok != tt.ok || (ok && index != tt.index) {
				t.Errorf("uioIndex(%s) = %d, %v", tt.node, index, ok)
			}
		})
	}
}

func TestNewScanner(t *testing.T) {
	scanner := NewScanner()
	if scanner.sysfsPath != "/sys/class/uio" {
		t.Errorf("unexpected sysfs path: %s", scanner.sysfsPath)
	}
	if scanner.devPath != "/dev" {
		t.Errorf("unexpected dev path: %s", scanner.devPath)
	}
}
