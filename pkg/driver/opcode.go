package driver

import (
	"encoding/binary"
)

// Opcode returns the opcode bits of an instruction's first word
func Opcode(word uint32) uint32 {
	return word & OpcodeMask
}

// Jump is the decoded form of the 4-word JMP instruction that terminates a
// linkable command buffer.
//
//	word0: opcode | RDY (bit 26) | IE (bit 25) | next length in 8-byte units
//	word1: next bus address, low 32 bits
//	word2: next bus address, high 32 bits
//	word3: next command buffer id
type Jump struct {
	Ready    bool
	IE       bool
	NextLen  uint16
	NextAddr uint64
	NextID   uint32
}

// JumpOffset is the byte offset of the trailing jump in a buffer of size bytes
func JumpOffset(size int) int {
	return size - JumpSize
}

// JumpLength encodes a buffer size for the jump length field
func JumpLength(size int) uint16 {
	return uint16((size + JumpLengthUnit - 1) / JumpLengthUnit)
}

// IsJumpAt reports whether b holds a JMP instruction at off
func IsJumpAt(b []byte, off int) bool {
	if off < 0 || off+JumpSize > len(b) {
		return false
	}
	return Opcode(binary.LittleEndian.Uint32(b[off:])) == OpcodeJmp
}

// PutJump encodes j at b[off:]
func PutJump(b []byte, off int, j Jump) {
	w0 := OpcodeJmp | uint32(j.NextLen)
	if j.Ready {
		w0 |= JumpRdyBit
	}
	if j.IE {
		w0 |= JumpIEBit
	}
	binary.LittleEndian.PutUint32(b[off:], w0)
	binary.LittleEndian.PutUint32(b[off+4:], uint32(j.NextAddr))
	binary.LittleEndian.PutUint32(b[off+8:], uint32(j.NextAddr>>32))
	binary.LittleEndian.PutUint32(b[off+12:], j.NextID)
}

// ReadJump decodes the jump at b[off:]
func ReadJump(b []byte, off int) Jump {
	w0 := binary.LittleEndian.Uint32(b[off:])
	lo := binary.LittleEndian.Uint32(b[off+4:])
	hi := binary.LittleEndian.Uint32(b[off+8:])
	return Jump{
		Ready:    w0&JumpRdyBit != 0,
		IE:       w0&JumpIEBit != 0,
		NextLen:  uint16(w0 & JumpLengthMask),
		NextAddr: uint64(hi)<<32 | uint64(lo),
		NextID:   binary.LittleEndian.Uint32(b[off+12:]),
	}
}

// Program assembles a command buffer. Methods append one instruction each
// and return the program so calls can be chained.
type Program struct {
	buf []byte
}

// NewProgram starts an empty program
func NewProgram() *Program {
	return &Program{}
}

func (p *Program) word(w uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, w)
}

// WReg writes len(values) consecutive registers starting at offset
func (p *Program) WReg(offset uint16, values ...uint32) *Program {
	p.word(OpcodeWReg | uint32(len(values)&WRegCountMask)<<WRegCountShift | uint32(offset))
	for _, v := range values {
		p.word(v)
	}
	return p
}

// RReg stores count registers starting at offset to the bus address addr
func (p *Program) RReg(offset uint16, count int, addr uint64) *Program {
	p.word(OpcodeRReg | uint32(count&WRegCountMask)<<WRegCountShift | uint32(offset))
	p.word(0)
	p.word(uint32(addr))
	p.word(uint32(addr >> 32))
	return p
}

// Stall consumes ticks of simulated execution time
func (p *Program) Stall(ticks uint16) *Program {
	p.word(OpcodeStall | uint32(ticks))
	p.word(0)
	return p
}

// Nop appends a no-op
func (p *Program) Nop() *Program {
	p.word(OpcodeNop)
	p.word(0)
	return p
}

// Int raises a JMP interrupt mid-buffer
func (p *Program) Int() *Program {
	p.word(OpcodeInt)
	p.word(0)
	return p
}

// ClrInt clears the given interrupt bits
func (p *Program) ClrInt(bits uint32) *Program {
	p.word(OpcodeClrInt)
	p.word(bits)
	return p
}

// Raw appends an arbitrary word
func (p *Program) Raw(w uint32) *Program {
	p.word(w)
	return p
}

// End terminates the chain; the buffer cannot be linked to a successor
func (p *Program) End() *Program {
	p.word(OpcodeEnd)
	p.word(0)
	return p
}

// Jmp appends an unlinked trailing jump (RDY clear, IE set). The linking
// engine fills in the target.
func (p *Program) Jmp() *Program {
	var j [JumpSize]byte
	PutJump(j[:], 0, Jump{IE: true})
	p.buf = append(p.buf, j[:]...)
	return p
}

// Bytes returns the assembled program
func (p *Program) Bytes() []byte {
	return p.buf
}

// Len returns the assembled program size in bytes
func (p *Program) Len() int {
	return len(p.buf)
}

// EndsWithoutJump reports whether the program ends in END rather than a
// trailing jump
func EndsWithoutJump(b []byte) bool {
	if len(b) < EndWords*WordSize {
		return false
	}
	if IsJumpAt(b, JumpOffset(len(b))) {
		return false
	}
	return Opcode(binary.LittleEndian.Uint32(b[len(b)-EndWords*WordSize:])) == OpcodeEnd
}
