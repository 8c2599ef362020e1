package testutil

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-vcmd/pkg/driver"
)

// FakeRegisters is a plain register file with no side effects. It records
// every write so tests can check the sequence a component issued.
type FakeRegisters struct {
	mu     sync.Mutex
	regs   map[[2]uint32]uint32
	writes []RegWrite
}

// RegWrite is one recorded register write
type RegWrite struct {
	Core   int
	Offset uint32
	Value  uint32
}

// NewFakeRegisters creates a register file whose cores identify as VCMD
// cores of hardware revision version
func NewFakeRegisters(cores int, version uint32) *FakeRegisters {
	f := &FakeRegisters{regs: make(map[[2]uint32]uint32)}
	for i := 0; i < cores; i++ {
		f.Set(i, driver.RegHwID, driver.HwIDVcmd<<16|uint32(i))
		f.Set(i, driver.RegHwVersion, version)
	}
	return f
}

// Read32 implements driver.Registers
func (f *FakeRegisters) Read32(core int, offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[[2]uint32{uint32(core), offset}]
}

// Write32 implements driver.Registers
func (f *FakeRegisters) Write32(core int, offset uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[[2]uint32{uint32(core), offset}] = value
	f.writes = append(f.writes, RegWrite{Core: core, Offset: offset, Value: value})
}

// Set stores a register value without recording a write
func (f *FakeRegisters) Set(core int, offset uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[[2]uint32{uint32(core), offset}] = value
}

// Writes returns the recorded writes
func (f *FakeRegisters) Writes() []RegWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RegWrite(nil), f.writes...)
}

// FakeRedis is an in-memory redis.Conn that understands HSET, HGET, DEL
// and PUBLISH, with Send/Do("") pipelining
type FakeRedis struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	published map[string][]string
	pending   []interface{}
	closed    bool
	failOnDo  bool
}

// NewFakeRedis creates an empty store
func NewFakeRedis() *FakeRedis {
	return &FakeRedis{
		hashes:    make(map[string]map[string]string),
		published: make(map[string][]string),
	}
}

// FailNext makes every following command fail
func (r *FakeRedis) FailNext() {
	r.mu.Lock()
	r.failOnDo = true
	r.mu.Unlock()
}

func (r *FakeRedis) exec(cmd string, args []interface{}) (interface{}, error) {
	if r.closed {
		return nil, errors.New("fake redis: connection closed")
	}
	if r.failOnDo {
		return nil, errors.New("fake redis: command failed")
	}
	str := func(i int) string { return fmt.Sprint(args[i]) }
	switch cmd {
	case "HSET":
		if len(args) != 3 {
			return nil, errors.New("fake redis: wrong number of arguments for HSET")
		}
		h, ok := r.hashes[str(0)]
		if !ok {
			h = make(map[string]string)
			r.hashes[str(0)] = h
		}
		_, existed := h[str(1)]
		h[str(1)] = str(2)
		if existed {
			return int64(0), nil
		}
		return int64(1), nil
	case "HGET":
		if v, ok := r.hashes[str(0)][str(1)]; ok {
			return []byte(v), nil
		}
		return nil, nil
	case "DEL":
		n := int64(0)
		for i := range args {
			if _, ok := r.hashes[str(i)]; ok {
				delete(r.hashes, str(i))
				n++
			}
		}
		return n, nil
	case "PUBLISH":
		r.published[str(0)] = append(r.published[str(0)], str(1))
		return int64(0), nil
	}
	return nil, fmt.Errorf("fake redis: unknown command %q", cmd)
}

// Close implements redis.Conn
func (r *FakeRedis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Err implements redis.Conn
func (r *FakeRedis) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("fake redis: connection closed")
	}
	return nil
}

// Do implements redis.Conn. Do("") flushes pipelined commands and returns
// their replies.
func (r *FakeRedis) Do(cmd string, args ...interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd == "" {
		replies := r.pending
		r.pending = nil
		for _, rep := range replies {
			if err, ok := rep.(error); ok {
				return replies, err
			}
		}
		return replies, nil
	}
	return r.exec(cmd, args)
}

// Send implements redis.Conn
func (r *FakeRedis) Send(cmd string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, err := r.exec(cmd, args)
	if err != nil {
		r.pending = append(r.pending, err)
		return nil
	}
	r.pending = append(r.pending, rep)
	return nil
}

// Flush implements redis.Conn
func (r *FakeRedis) Flush() error {
	return r.Err()
}

// Receive implements redis.Conn
func (r *FakeRedis) Receive() (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, errors.New("fake redis: nothing to receive")
	}
	rep := r.pending[0]
	r.pending = r.pending[1:]
	if err, ok := rep.(error); ok {
		return nil, err
	}
	return rep, nil
}

// Hash returns a copy of hash key
func (r *FakeRedis) Hash(key string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.hashes[key]))
	for k, v := range r.hashes[key] {
		out[k] = v
	}
	return out
}

// Published returns the messages published on channel
func (r *FakeRedis) Published(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published[channel]...)
}
