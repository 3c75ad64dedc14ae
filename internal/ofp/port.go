package ofp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const portLen = 64

// Port describes one switch port as reported by PORT_DESC and PORT_STATUS
type Port struct {
	No         uint32
	HwAddr     net.HardwareAddr
	Name       string
	Config     uint32
	State      uint32
	Curr       uint32
	Advertised uint32
	Supported  uint32
	Peer       uint32
	CurrSpeed  uint32
	MaxSpeed   uint32
}

// IsReserved reports whether the port number is one of the logical ports above OFPP_MAX
func (p Port) IsReserved() bool {
	return p.No > PortMax
}

// LinkDown reports whether the physical link is down
func (p Port) LinkDown() bool {
	return p.State&PortStateLinkDown != 0
}

// AdminDown reports whether the port is administratively down
func (p Port) AdminDown() bool {
	return p.Config&PortConfigPortDown != 0
}

func (p Port) encode(b []byte) []byte {
	b = appendUint32(b, p.No)
	b = appendZeros(b, 4)
	hw := make([]byte, 6)
	copy(hw, p.HwAddr)
	b = append(b, hw...)
	b = appendZeros(b, 2)
	name := make([]byte, 16)
	copy(name[:15], p.Name)
	b = append(b, name...)
	for _, v := range []uint32{p.Config, p.State, p.Curr, p.Advertised, p.Supported, p.Peer, p.CurrSpeed, p.MaxSpeed} {
		b = appendUint32(b, v)
	}
	return b
}

func decodePort(b []byte) (Port, error) {
	if len(b) < portLen {
		return Port{}, fmt.Errorf("%w: port needs %d bytes, have %d", ErrMalformed, portLen, len(b))
	}
	hw := make(net.HardwareAddr, 6)
	copy(hw, b[8:14])
	name := b[16:32]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	u := func(off int) uint32 { return binary.BigEndian.Uint32(b[off : off+4]) }
	return Port{
		No:         u(0),
		HwAddr:     hw,
		Name:       string(name),
		Config:     u(32),
		State:      u(36),
		Curr:       u(40),
		Advertised: u(44),
		Supported:  u(48),
		Peer:       u(52),
		CurrSpeed:  u(56),
		MaxSpeed:   u(60),
	}, nil
}

// PORT_DOWN config bit per wire version
var portDownBits = map[uint8]uint32{
	Version10: 1 << 0,
	Version11: 1 << 0,
	Version12: 1 << 0,
	Version13: 1 << 0,
	Version14: 1 << 0,
	Version15: 1 << 0,
}

// PortDownBit returns the port config bit meaning "administratively down"
// for the given negotiated protocol version
func PortDownBit(version uint8) (uint32, error) {
	bit, ok := portDownBits[version]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, version)
	}
	return bit, nil
}
