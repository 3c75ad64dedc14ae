// Package ofp encodes and decodes the subset of the OpenFlow 1.3 wire protocol
// used by the controller
package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire protocol versions
const (
	Version10 uint8 = 0x01
	Version11 uint8 = 0x02
	Version12 uint8 = 0x03
	Version13 uint8 = 0x04
	Version14 uint8 = 0x05
	Version15 uint8 = 0x06
)

// HeaderLen is the size of the common message header
const HeaderLen = 8

// MessageType is the type octet of the common header
type MessageType uint8

const (
	TypeHello            MessageType = 0
	TypeError            MessageType = 1
	TypeEchoRequest      MessageType = 2
	TypeEchoReply        MessageType = 3
	TypeFeaturesRequest  MessageType = 5
	TypeFeaturesReply    MessageType = 6
	TypePacketIn         MessageType = 10
	TypePortStatus       MessageType = 12
	TypePacketOut        MessageType = 13
	TypeFlowMod          MessageType = 14
	TypeGroupMod         MessageType = 15
	TypePortMod          MessageType = 16
	TypeMultipartRequest MessageType = 18
	TypeMultipartReply   MessageType = 19
	TypeBarrierRequest   MessageType = 20
	TypeBarrierReply     MessageType = 21
)

var typeNames = map[MessageType]string{
	TypeHello:            "HELLO",
	TypeError:            "ERROR",
	TypeEchoRequest:      "ECHO_REQUEST",
	TypeEchoReply:        "ECHO_REPLY",
	TypeFeaturesRequest:  "FEATURES_REQUEST",
	TypeFeaturesReply:    "FEATURES_REPLY",
	TypePacketIn:         "PACKET_IN",
	TypePortStatus:       "PORT_STATUS",
	TypePacketOut:        "PACKET_OUT",
	TypeFlowMod:          "FLOW_MOD",
	TypeGroupMod:         "GROUP_MOD",
	TypePortMod:          "PORT_MOD",
	TypeMultipartRequest: "MULTIPART_REQUEST",
	TypeMultipartReply:   "MULTIPART_REPLY",
	TypeBarrierRequest:   "BARRIER_REQUEST",
	TypeBarrierReply:     "BARRIER_REPLY",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

var (
	// ErrMalformed is returned when a message is shorter than its layout requires
	ErrMalformed = errors.New("malformed openflow message")
	// ErrUnsupportedVersion is returned for protocol versions the controller cannot speak
	ErrUnsupportedVersion = errors.New("unsupported openflow version")
)

// Header is the common header in front of every message
type Header struct {
	Version uint8
	Type    MessageType
	Length  uint16
	Xid     uint32
}

// Message is an encodable OpenFlow message body
type Message interface {
	Type() MessageType
	encode(b []byte) []byte
}

// Marshal encodes m as an OpenFlow 1.3 message with the given transaction id
func Marshal(xid uint32, m Message) []byte {
	b := make([]byte, HeaderLen, 64)
	b = m.encode(b)
	b[0] = Version13
	b[1] = byte(m.Type())
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	binary.BigEndian.PutUint32(b[4:8], xid)
	return b
}

// ReadMessage reads one framed message from r
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Version: hb[0],
		Type:    MessageType(hb[1]),
		Length:  binary.BigEndian.Uint16(hb[2:4]),
		Xid:     binary.BigEndian.Uint32(hb[4:8]),
	}
	if h.Length < HeaderLen {
		return h, nil, fmt.Errorf("%w: header length %d", ErrMalformed, h.Length)
	}
	body := make([]byte, int(h.Length)-HeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

// Unmarshal decodes a message body. Types the controller does not interpret
// are returned as *Unknown
func Unmarshal(h Header, body []byte) (Message, error) {
	switch h.Type {
	case TypeHello:
		return &Hello{}, nil
	case TypeEchoRequest:
		return &EchoRequest{Data: body}, nil
	case TypeEchoReply:
		return &EchoReply{Data: body}, nil
	case TypeFeaturesRequest:
		return &FeaturesRequest{}, nil
	case TypeBarrierRequest:
		return &BarrierRequest{}, nil
	case TypeBarrierReply:
		return &BarrierReply{}, nil
	}

	var (
		m   Message
		err error
	)
	switch h.Type {
	case TypeError:
		m, err = decodeError(body)
	case TypeFeaturesReply:
		m, err = decodeFeaturesReply(body)
	case TypePortStatus:
		m, err = decodePortStatus(body)
	case TypePacketIn:
		m, err = decodePacketIn(body)
	case TypeMultipartReply:
		m, err = decodeMultipartReply(body)
	case TypePortMod:
		m, err = decodePortMod(body)
	default:
		m = &Unknown{MsgType: h.Type, Body: body}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return m, nil
}

// NegotiateVersion picks the version spoken with a peer that announced peer in its HELLO
func NegotiateVersion(peer uint8) (uint8, error) {
	if peer < Version13 {
		return 0, fmt.Errorf("%w: peer offers 0x%02x, need at least 0x%02x", ErrUnsupportedVersion, peer, Version13)
	}
	return Version13, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendZeros(b []byte, n int) []byte {
	for i := 0; i < n; i++ {
		b = append(b, 0)
	}
	return b
}

// padTo8 appends zero bytes until len(b)-start is a multiple of eight
func padTo8(b []byte, start int) []byte {
	for (len(b)-start)%8 != 0 {
		b = append(b, 0)
	}
	return b
}
