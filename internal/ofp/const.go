package ofp

// Reserved port numbers
const (
	PortMax        uint32 = 0xffffff00
	PortInPort     uint32 = 0xfffffff8
	PortTable      uint32 = 0xfffffff9
	PortNormal     uint32 = 0xfffffffa
	PortFlood      uint32 = 0xfffffffb
	PortAll        uint32 = 0xfffffffc
	PortController uint32 = 0xfffffffd
	PortLocal      uint32 = 0xfffffffe
	PortAny        uint32 = 0xffffffff
)

// Reserved group ids
const (
	GroupMax uint32 = 0xffffff00
	GroupAll uint32 = 0xfffffffc
	GroupAny uint32 = 0xffffffff
)

const (
	TableAll uint8 = 0xff

	NoBuffer uint32 = 0xffffffff

	// ControllerMaxLenNoBuffer asks the switch to send the full packet to the controller
	ControllerMaxLenNoBuffer uint16 = 0xffff
)

// Flow mod commands
const (
	FlowAdd          uint8 = 0
	FlowModify       uint8 = 1
	FlowModifyStrict uint8 = 2
	FlowDelete       uint8 = 3
	FlowDeleteStrict uint8 = 4
)

// Flow mod flags
const (
	FlowFlagSendFlowRemoved uint16 = 1 << 0
	FlowFlagCheckOverlap    uint16 = 1 << 1
)

// Group mod commands
const (
	GroupAdd    uint16 = 0
	GroupModify uint16 = 1
	GroupDelete uint16 = 2
)

// Group types
const (
	GroupTypeAll          uint8 = 0
	GroupTypeSelect       uint8 = 1
	GroupTypeIndirect     uint8 = 2
	GroupTypeFastFailover uint8 = 3
)

// Port config bits as laid out in OpenFlow 1.3
const (
	PortConfigPortDown   uint32 = 1 << 0
	PortConfigNoRecv     uint32 = 1 << 2
	PortConfigNoFwd      uint32 = 1 << 5
	PortConfigNoPacketIn uint32 = 1 << 6
)

// Port state bits
const (
	PortStateLinkDown uint32 = 1 << 0
	PortStateBlocked  uint32 = 1 << 1
	PortStateLive     uint32 = 1 << 2
)

// Port status reasons
const (
	PortReasonAdd    uint8 = 0
	PortReasonDelete uint8 = 1
	PortReasonModify uint8 = 2
)

// Packet-in reasons
const (
	PacketInReasonNoMatch uint8 = 0
	PacketInReasonAction  uint8 = 1
)

// Multipart types and flags
const (
	MultipartPortDesc uint16 = 13

	MultipartFlagMore uint16 = 1 << 0
)

// Error types and the codes the controller emits
const (
	ErrTypeHelloFailed    uint16 = 0
	ErrTypeBadRequest     uint16 = 1
	ErrTypeBadAction      uint16 = 2
	ErrTypeBadMatch       uint16 = 4
	ErrTypeFlowModFailed  uint16 = 5
	ErrTypeGroupModFailed uint16 = 6
	ErrTypePortModFailed  uint16 = 7

	ErrCodeHelloIncompatible uint16 = 0
)

// Action types
const (
	actionTypeOutput uint16 = 0
	actionTypeGroup  uint16 = 22
)

// Instruction types
const (
	instructionTypeApplyActions uint16 = 4
)

// OXM basic class headers
const (
	matchTypeOXM uint16 = 1

	oxmInPort  uint32 = 0x80000004
	oxmEthType uint32 = 0x80000a02
)
