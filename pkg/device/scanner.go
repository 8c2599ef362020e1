// Package device discovers VCMD devices exposed through UIO.
package device

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

// UIOName is the name a VCMD UIO device registers under
const UIOName = "vcmd"

// DeviceInfo contains discovered device information
type DeviceInfo struct {
	Path  string
	Name  string
	Index int
	// Cores is the number of register windows in the first map, or 0 if
	// the map size could not be read
	Cores int
}

// DeviceScanner scans for VCMD devices
type DeviceScanner struct {
	sysfsPath string
	devPath   string
}

// NewScanner creates a new device scanner
func NewScanner() *DeviceScanner {
	return &DeviceScanner{
		sysfsPath: "/sys/class/uio",
		devPath:   "/dev",
	}
}

// Scan finds all VCMD devices, ordered by UIO index
func (s *DeviceScanner) Scan() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(s.sysfsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		node := entry.Name()
		index, ok := uioIndex(node)
		if !ok {
			continue
		}
		name, err := os.ReadFile(filepath.Join(s.sysfsPath, node, "name"))
		if err != nil || !strings.HasPrefix(strings.TrimSpace(string(name)), UIOName) {
			continue
		}
		devPath := filepath.Join(s.devPath, node)
		if _, err := os.Stat(devPath); err != nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			Path:  devPath,
			Name:  strings.TrimSpace(string(name)),
			Index: index,
			Cores: s.cores(node),
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// cores derives the core count from the size of map0
func (s *DeviceScanner) cores(node string) int {
	b, err := os.ReadFile(filepath.Join(s.sysfsPath, node, "maps", "map0", "size"))
	if err != nil {
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return int(size / driver.RegisterWindowSize)
}

func uioIndex(node string) (int, bool) {
	if !strings.HasPrefix(node, "uio") {
		return 0, false
	}
	n, err := strconv.Atoi(node[3:])
	return n, err == nil && n >= 0
}

// Scan uses the default scanner to find all VCMD devices
func Scan() ([]DeviceInfo, error) {
	return NewScanner().Scan()
}
