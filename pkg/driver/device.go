package driver

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Registers is the hardware register access primitive the scheduler uses.
// Offsets are bytes within one core's register window.
type Registers interface {
	Read32(core int, offset uint32) uint32
	Write32(core int, offset uint32, value uint32)
}

// DeviceFile is an open UIO device whose first map holds the register
// windows of all VCMD cores, RegisterWindowSize bytes apart.
type DeviceFile struct {
	fd    int
	path  string
	mem   []byte
	cores int
}

// OpenDevice opens a VCMD UIO device by path and maps the register windows
// of cores cores.
func OpenDevice(path string, cores int) (*DeviceFile, error) {
	if cores <= 0 || cores > MaxCores {
		return nil, NewError(StatusInvalidArgument, "core count out of range")
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if ok {
			return nil, StatusFromErrno(errno, "opening device "+path)
		}
		return nil, NewErrorWithCause(StatusDriverOperationFailed, "opening device "+path, err)
	}
	mem, err := unix.Mmap(fd, 0, cores*RegisterWindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if errno, ok := err.(unix.Errno); ok {
			return nil, StatusFromErrno(errno, "mapping registers of "+path)
		}
		return nil, NewErrorWithCause(StatusDriverOperationFailed, "mapping registers of "+path, err)
	}
	return &DeviceFile{fd: fd, path: path, mem: mem, cores: cores}, nil
}

// Close unmaps the registers and closes the device file
func (d *DeviceFile) Close() error {
	if d.fd < 0 {
		return nil
	}
	var firstErr error
	if d.mem != nil {
		if err := unix.Munmap(d.mem); err != nil {
			firstErr = NewErrorWithCause(StatusDriverOperationFailed, "unmapping registers", err)
		}
		d.mem = nil
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = NewErrorWithCause(StatusDriverOperationFailed, "closing device", err)
	}
	d.fd = -1
	return firstErr
}

// Fd returns the file descriptor
func (d *DeviceFile) Fd() int {
	return d.fd
}

// Path returns the device path
func (d *DeviceFile) Path() string {
	return d.path
}

// Cores returns the number of mapped core windows
func (d *DeviceFile) Cores() int {
	return d.cores
}

func (d *DeviceFile) reg(core int, offset uint32) *uint32 {
	off := core*RegisterWindowSize + int(offset)
	return (*uint32)(unsafe.Pointer(&d.mem[off]))
}

// Read32 reads one 32-bit register
func (d *DeviceFile) Read32(core int, offset uint32) uint32 {
	return atomic.LoadUint32(d.reg(core, offset))
}

// Write32 writes one 32-bit register
func (d *DeviceFile) Write32(core int, offset uint32, value uint32) {
	atomic.StoreUint32(d.reg(core, offset), value)
}

// EnableInterrupt re-arms the UIO interrupt line
func (d *DeviceFile) EnableInterrupt() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(d.fd, b[:]); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return StatusFromErrno(errno, "enabling interrupt")
		}
		return NewErrorWithCause(StatusDriverOperationFailed, "enabling interrupt", err)
	}
	return nil
}

// WaitInterrupt blocks until the UIO interrupt fires and returns the
// cumulative interrupt count
func (d *DeviceFile) WaitInterrupt() (uint32, error) {
	var b [4]byte
	if _, err := unix.Read(d.fd, b[:]); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return 0, StatusFromErrno(errno, "waiting for interrupt")
		}
		return 0, NewErrorWithCause(StatusDriverOperationFailed, "waiting for interrupt", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ServeInterrupts delivers interrupts to handler until ctx is done. The UIO
// line is shared, so handler is invoked once for every core whose interrupt
// status is non-zero.
func (d *DeviceFile) ServeInterrupts(ctx context.Context, handler func(core int)) error {
	for {
		if err := d.EnableInterrupt(); err != nil {
			return err
		}
		if _, err := d.WaitInterrupt(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for core := 0; core < d.cores; core++ {
			if d.Read32(core, RegIrqStatus) != 0 {
				handler(core)
			}
		}
	}
}
