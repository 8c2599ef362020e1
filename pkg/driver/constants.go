package driver

// Command buffer geometry
const (
	WordSize            = 4
	DefaultSlotSize     = 2048 // bytes of op-codes per command buffer
	DefaultStatusSize   = 2048 // bytes of status output per command buffer
	DefaultSlotCount    = 256
	MaxCores            = 16
	RegisterWindowSize  = 0x1000
	MirrorRegionSize    = 0x100 // per-core register mirror scratch
	MirrorExeIDOffset   = 0x00  // slot written with the id of each completing buffer
	MirrorExeAddrOffset = 0x08
)

// Opcodes occupy bits 31..27 of the first word of every instruction.
const (
	OpcodeShift = 27
	OpcodeMask  = 0x1f << OpcodeShift

	OpcodeWReg   uint32 = 0x01 << OpcodeShift
	OpcodeEnd    uint32 = 0x02 << OpcodeShift
	OpcodeNop    uint32 = 0x03 << OpcodeShift
	OpcodeStall  uint32 = 0x09 << OpcodeShift
	OpcodeRReg   uint32 = 0x16 << OpcodeShift
	OpcodeInt    uint32 = 0x18 << OpcodeShift
	OpcodeJmp    uint32 = 0x19 << OpcodeShift
	OpcodeClrInt uint32 = 0x1a << OpcodeShift
)

// Jump instruction layout
const (
	JumpWords       = 4
	JumpSize        = JumpWords * WordSize
	JumpRdyBit      = 1 << 26
	JumpIEBit       = 1 << 25
	JumpLengthMask  = 0xffff
	JumpLengthUnit  = 8 // next-buffer length is encoded in 64-bit units
	WRegCountShift  = 16
	WRegCountMask   = 0x3ff
	WRegOffsetMask  = 0xffff
	StallTicksMask  = 0xffff
	EndWords        = 2
	NopWords        = 2
	StallWords      = 2
	IntWords        = 2
	ClrIntWords     = 2
	RRegWords       = 4
)

// Per-core register offsets (bytes)
const (
	RegHwID        = 0x00
	RegHwVersion   = 0x04
	RegIrqStatus   = 0x40 // write-1-to-clear
	RegIrqEnable   = 0x44
	RegExeCount    = 0x48
	RegExeID       = 0x4c
	RegExeAddrLo   = 0x50
	RegExeAddrHi   = 0x54
	RegControl     = 0x58
	RegWorkState   = 0x5c
	RegSwRdyNum    = 0x60
	RegStartAddrLo = 0x64
	RegStartAddrHi = 0x68
	RegStartLen    = 0x6c
	RegStartID     = 0x70
	RegTimeout     = 0x74
)

// Control register bits
const (
	ControlStart = 1 << 0
	ControlAbort = 1 << 1
	ControlReset = 1 << 2
)

// Interrupt status bits
const (
	IrqJmp     uint32 = 1 << 0
	IrqReset   uint32 = 1 << 1
	IrqAbort   uint32 = 1 << 2
	IrqCmdErr  uint32 = 1 << 3
	IrqTimeout uint32 = 1 << 4
	IrqBusErr  uint32 = 1 << 5
	IrqEnd     uint32 = 1 << 6

	IrqAll = IrqJmp | IrqReset | IrqAbort | IrqCmdErr | IrqTimeout | IrqBusErr | IrqEnd
)

// WorkState mirrors the WORK_STATE register
type WorkState uint32

const (
	WorkStateIdle     WorkState = 0
	WorkStateWorking  WorkState = 1
	WorkStateAborting WorkState = 2
)

func (s WorkState) String() string {
	switch s {
	case WorkStateIdle:
		return "idle"
	case WorkStateWorking:
		return "working"
	case WorkStateAborting:
		return "aborting"
	}
	return "unknown"
}

// Hardware identification
const (
	HwIDVcmd = 0x4243 // "BC"

	// Revisions at or above this one write the completing buffer id into
	// the register mirror; older ones are matched by executing address.
	HwVersionIDWriteback uint32 = 0x0100_000c
	HwVersionLegacy      uint32 = 0x0100_0000
)

// ModuleType is the hardware engine a core (and a command buffer) belongs to
type ModuleType uint32

const (
	ModuleEncoder     ModuleType = 0
	ModuleCuTree      ModuleType = 1
	ModuleDecoder     ModuleType = 2
	ModuleJpegEncoder ModuleType = 3
	ModuleJpegDecoder ModuleType = 4
	ModuleTypeCount              = 5
)

var moduleNames = map[ModuleType]string{
	ModuleEncoder:     "encoder",
	ModuleCuTree:      "cutree",
	ModuleDecoder:     "decoder",
	ModuleJpegEncoder: "jpeg-encoder",
	ModuleJpegDecoder: "jpeg-decoder",
}

func (m ModuleType) String() string {
	if s, ok := moduleNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseModuleType parses a module name as printed by String
func ParseModuleType(s string) (ModuleType, error) {
	for m, name := range moduleNames {
		if name == s {
			return m, nil
		}
	}
	return 0, NewError(StatusInvalidArgument, "unknown module type "+s)
}

// SubmoduleOffsets locates the register blocks a command buffer may write
// through WREG, relative to the core's register space.
type SubmoduleOffsets struct {
	Main    uint16
	Dec400  uint16
	L2Cache uint16
	MMU     uint16
}

// DefaultSubmoduleOffsets is the layout shared by all simulated module types.
var DefaultSubmoduleOffsets = SubmoduleOffsets{
	Main:    0x1000,
	Dec400:  0x2000,
	L2Cache: 0x3000,
	MMU:     0x4000,
}

// SubmoduleSpan is the size of each submodule register block.
const SubmoduleSpan = 0x1000
