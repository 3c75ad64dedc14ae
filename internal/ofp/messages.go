package ofp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Hello opens the session
type Hello struct{}

func (*Hello) Type() MessageType      { return TypeHello }
func (*Hello) encode(b []byte) []byte { return b }

// EchoRequest is the keepalive probe
type EchoRequest struct {
	Data []byte
}

func (*EchoRequest) Type() MessageType        { return TypeEchoRequest }
func (m *EchoRequest) encode(b []byte) []byte { return append(b, m.Data...) }

// EchoReply answers an EchoRequest with the same payload
type EchoReply struct {
	Data []byte
}

func (*EchoReply) Type() MessageType        { return TypeEchoReply }
func (m *EchoReply) encode(b []byte) []byte { return append(b, m.Data...) }

// FeaturesRequest asks the switch for its datapath id
type FeaturesRequest struct{}

func (*FeaturesRequest) Type() MessageType      { return TypeFeaturesRequest }
func (*FeaturesRequest) encode(b []byte) []byte { return b }

// BarrierRequest asks the switch to finish every earlier message before replying
type BarrierRequest struct{}

func (*BarrierRequest) Type() MessageType      { return TypeBarrierRequest }
func (*BarrierRequest) encode(b []byte) []byte { return b }

// BarrierReply confirms a BarrierRequest with the same xid
type BarrierReply struct{}

func (*BarrierReply) Type() MessageType      { return TypeBarrierReply }
func (*BarrierReply) encode(b []byte) []byte { return b }

// Unknown carries a message the controller does not interpret
type Unknown struct {
	MsgType MessageType
	Body    []byte
}

func (m *Unknown) Type() MessageType      { return m.MsgType }
func (m *Unknown) encode(b []byte) []byte { return append(b, m.Body...) }

// Error is an OFPT_ERROR message. It doubles as a Go error
type Error struct {
	ErrType uint16
	Code    uint16
	Data    []byte
}

func (*Error) Type() MessageType { return TypeError }

func (m *Error) encode(b []byte) []byte {
	b = appendUint16(b, m.ErrType)
	b = appendUint16(b, m.Code)
	return append(b, m.Data...)
}

func (m *Error) Error() string {
	return fmt.Sprintf("openflow error type=%d code=%d", m.ErrType, m.Code)
}

func decodeError(b []byte) (*Error, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: error body", ErrMalformed)
	}
	return &Error{
		ErrType: binary.BigEndian.Uint16(b[0:2]),
		Code:    binary.BigEndian.Uint16(b[2:4]),
		Data:    b[4:],
	}, nil
}

// FeaturesReply identifies the datapath
type FeaturesReply struct {
	DatapathID   uint64
	NBuffers     uint32
	NTables      uint8
	AuxiliaryID  uint8
	Capabilities uint32
}

func (*FeaturesReply) Type() MessageType { return TypeFeaturesReply }

func (m *FeaturesReply) encode(b []byte) []byte {
	b = appendUint64(b, m.DatapathID)
	b = appendUint32(b, m.NBuffers)
	b = append(b, m.NTables, m.AuxiliaryID)
	b = appendZeros(b, 2)
	b = appendUint32(b, m.Capabilities)
	return appendUint32(b, 0)
}

func decodeFeaturesReply(b []byte) (*FeaturesReply, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("%w: features reply", ErrMalformed)
	}
	return &FeaturesReply{
		DatapathID:   binary.BigEndian.Uint64(b[0:8]),
		NBuffers:     binary.BigEndian.Uint32(b[8:12]),
		NTables:      b[12],
		AuxiliaryID:  b[13],
		Capabilities: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// MultipartRequest asks for statistics or descriptions of type MPType
type MultipartRequest struct {
	MPType uint16
	Flags  uint16
	Body   []byte
}

func (*MultipartRequest) Type() MessageType { return TypeMultipartRequest }

func (m *MultipartRequest) encode(b []byte) []byte {
	b = appendUint16(b, m.MPType)
	b = appendUint16(b, m.Flags)
	b = appendZeros(b, 4)
	return append(b, m.Body...)
}

// MultipartReply is a multipart reply of a type without a dedicated decoder
type MultipartReply struct {
	MPType uint16
	Flags  uint16
	Body   []byte
}

func (*MultipartReply) Type() MessageType { return TypeMultipartReply }

func (m *MultipartReply) encode(b []byte) []byte {
	b = appendUint16(b, m.MPType)
	b = appendUint16(b, m.Flags)
	b = appendZeros(b, 4)
	return append(b, m.Body...)
}

// PortDescReply lists the switch's ports. More is set while further parts follow
type PortDescReply struct {
	More  bool
	Ports []Port
}

func (*PortDescReply) Type() MessageType { return TypeMultipartReply }

func (m *PortDescReply) encode(b []byte) []byte {
	b = appendUint16(b, MultipartPortDesc)
	var flags uint16
	if m.More {
		flags |= MultipartFlagMore
	}
	b = appendUint16(b, flags)
	b = appendZeros(b, 4)
	for _, p := range m.Ports {
		b = p.encode(b)
	}
	return b
}

func decodeMultipartReply(b []byte) (Message, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: multipart reply", ErrMalformed)
	}
	mpType := binary.BigEndian.Uint16(b[0:2])
	flags := binary.BigEndian.Uint16(b[2:4])
	body := b[8:]
	if mpType != MultipartPortDesc {
		return &MultipartReply{MPType: mpType, Flags: flags, Body: body}, nil
	}
	if len(body)%portLen != 0 {
		return nil, fmt.Errorf("%w: port desc body of %d bytes", ErrMalformed, len(body))
	}
	reply := &PortDescReply{More: flags&MultipartFlagMore != 0}
	for off := 0; off < len(body); off += portLen {
		p, err := decodePort(body[off : off+portLen])
		if err != nil {
			return nil, err
		}
		reply.Ports = append(reply.Ports, p)
	}
	return reply, nil
}

// PortStatus reports a port being added, removed or modified
type PortStatus struct {
	Reason uint8
	Port   Port
}

func (*PortStatus) Type() MessageType { return TypePortStatus }

func (m *PortStatus) encode(b []byte) []byte {
	b = append(b, m.Reason)
	b = appendZeros(b, 7)
	return m.Port.encode(b)
}

func decodePortStatus(b []byte) (*PortStatus, error) {
	if len(b) < 8+portLen {
		return nil, fmt.Errorf("%w: port status", ErrMalformed)
	}
	p, err := decodePort(b[8:])
	if err != nil {
		return nil, err
	}
	return &PortStatus{Reason: b[0], Port: p}, nil
}

// PacketIn carries a packet punted to the controller
type PacketIn struct {
	BufferID uint32
	TotalLen uint16
	Reason   uint8
	TableID  uint8
	Cookie   uint64
	Match    Match
	Data     []byte
}

func (*PacketIn) Type() MessageType { return TypePacketIn }

func (m *PacketIn) encode(b []byte) []byte {
	b = appendUint32(b, m.BufferID)
	b = appendUint16(b, m.TotalLen)
	b = append(b, m.Reason, m.TableID)
	b = appendUint64(b, m.Cookie)
	b = m.Match.encode(b)
	b = appendZeros(b, 2)
	return append(b, m.Data...)
}

func decodePacketIn(b []byte) (*PacketIn, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("%w: packet in", ErrMalformed)
	}
	m := &PacketIn{
		BufferID: binary.BigEndian.Uint32(b[0:4]),
		TotalLen: binary.BigEndian.Uint16(b[4:6]),
		Reason:   b[6],
		TableID:  b[7],
		Cookie:   binary.BigEndian.Uint64(b[8:16]),
	}
	match, n, err := decodeMatch(b[16:])
	if err != nil {
		return nil, err
	}
	m.Match = match
	rest := b[16+n:]
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: packet in data", ErrMalformed)
	}
	m.Data = rest[2:]
	return m, nil
}

// PacketOut injects Data into the datapath and applies Actions to it
type PacketOut struct {
	BufferID uint32
	InPort   uint32
	Actions  []Action
	Data     []byte
}

func (*PacketOut) Type() MessageType { return TypePacketOut }

func (m *PacketOut) encode(b []byte) []byte {
	b = appendUint32(b, m.BufferID)
	b = appendUint32(b, m.InPort)
	lenAt := len(b)
	b = appendUint16(b, 0)
	b = appendZeros(b, 6)
	actionsStart := len(b)
	b = encodeActions(b, m.Actions)
	binary.BigEndian.PutUint16(b[lenAt:], uint16(len(b)-actionsStart))
	return append(b, m.Data...)
}

// FlowMod adds, modifies or deletes flow entries
type FlowMod struct {
	Cookie       uint64
	CookieMask   uint64
	TableID      uint8
	Command      uint8
	IdleTimeout  uint16
	HardTimeout  uint16
	Priority     uint16
	BufferID     uint32
	OutPort      uint32
	OutGroup     uint32
	Flags        uint16
	Match        Match
	Instructions []Instruction
}

func (*FlowMod) Type() MessageType { return TypeFlowMod }

func (m *FlowMod) encode(b []byte) []byte {
	b = appendUint64(b, m.Cookie)
	b = appendUint64(b, m.CookieMask)
	b = append(b, m.TableID, m.Command)
	b = appendUint16(b, m.IdleTimeout)
	b = appendUint16(b, m.HardTimeout)
	b = appendUint16(b, m.Priority)
	b = appendUint32(b, m.BufferID)
	b = appendUint32(b, m.OutPort)
	b = appendUint32(b, m.OutGroup)
	b = appendUint16(b, m.Flags)
	b = appendZeros(b, 2)
	b = m.Match.encode(b)
	for _, in := range m.Instructions {
		b = in.encodeInstruction(b)
	}
	return b
}

// Bucket is one member of a group
type Bucket struct {
	Weight     uint16
	WatchPort  uint32
	WatchGroup uint32
	Actions    []Action
}

func (bk Bucket) encode(b []byte) []byte {
	start := len(b)
	b = appendUint16(b, 0)
	b = appendUint16(b, bk.Weight)
	b = appendUint32(b, bk.WatchPort)
	b = appendUint32(b, bk.WatchGroup)
	b = appendZeros(b, 4)
	b = encodeActions(b, bk.Actions)
	binary.BigEndian.PutUint16(b[start:], uint16(len(b)-start))
	return b
}

// GroupMod adds, modifies or deletes a group
type GroupMod struct {
	Command   uint16
	GroupType uint8
	GroupID   uint32
	Buckets   []Bucket
}

func (*GroupMod) Type() MessageType { return TypeGroupMod }

func (m *GroupMod) encode(b []byte) []byte {
	b = appendUint16(b, m.Command)
	b = append(b, m.GroupType, 0)
	b = appendUint32(b, m.GroupID)
	for _, bk := range m.Buckets {
		b = bk.encode(b)
	}
	return b
}

// PortMod changes the config bits selected by Mask
type PortMod struct {
	PortNo    uint32
	HwAddr    net.HardwareAddr
	Config    uint32
	Mask      uint32
	Advertise uint32
}

func (*PortMod) Type() MessageType { return TypePortMod }

func (m *PortMod) encode(b []byte) []byte {
	b = appendUint32(b, m.PortNo)
	b = appendZeros(b, 4)
	hw := make([]byte, 6)
	copy(hw, m.HwAddr)
	b = append(b, hw...)
	b = appendZeros(b, 2)
	b = appendUint32(b, m.Config)
	b = appendUint32(b, m.Mask)
	b = appendUint32(b, m.Advertise)
	return appendZeros(b, 4)
}

func decodePortMod(b []byte) (*PortMod, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("%w: port mod", ErrMalformed)
	}
	hw := make(net.HardwareAddr, 6)
	copy(hw, b[8:14])
	return &PortMod{
		PortNo:    binary.BigEndian.Uint32(b[0:4]),
		HwAddr:    hw,
		Config:    binary.BigEndian.Uint32(b[16:20]),
		Mask:      binary.BigEndian.Uint32(b[20:24]),
		Advertise: binary.BigEndian.Uint32(b[24:28]),
	}, nil
}
