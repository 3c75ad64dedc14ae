package ofp

import (
	"encoding/binary"
	"fmt"
)

// Match is an OXM match limited to the fields the controller uses.
// A zero field is a wildcard
type Match struct {
	InPort  uint32
	EthType uint16
}

func (m Match) encode(b []byte) []byte {
	start := len(b)
	b = appendUint16(b, matchTypeOXM)
	b = appendUint16(b, 0)
	if m.InPort != 0 {
		b = appendUint32(b, oxmInPort)
		b = appendUint32(b, m.InPort)
	}
	if m.EthType != 0 {
		b = appendUint32(b, oxmEthType)
		b = appendUint16(b, m.EthType)
	}
	binary.BigEndian.PutUint16(b[start+2:], uint16(len(b)-start))
	return padTo8(b, start)
}

// decodeMatch returns the match and the number of bytes it occupies including padding
func decodeMatch(b []byte) (Match, int, error) {
	if len(b) < 4 {
		return Match{}, 0, fmt.Errorf("%w: match header", ErrMalformed)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 4 || length > len(b) {
		return Match{}, 0, fmt.Errorf("%w: match length %d", ErrMalformed, length)
	}
	var m Match
	oxms := b[4:length]
	for len(oxms) >= 4 {
		hdr := binary.BigEndian.Uint32(oxms[:4])
		n := int(hdr & 0xff)
		if 4+n > len(oxms) {
			return Match{}, 0, fmt.Errorf("%w: oxm 0x%08x overruns match", ErrMalformed, hdr)
		}
		payload := oxms[4 : 4+n]
		switch hdr {
		case oxmInPort:
			m.InPort = binary.BigEndian.Uint32(payload)
		case oxmEthType:
			m.EthType = binary.BigEndian.Uint16(payload)
		}
		oxms = oxms[4+n:]
	}
	padded := (length + 7) / 8 * 8
	if padded > len(b) {
		padded = len(b)
	}
	return m, padded, nil
}

// Action is an entry of an action list
type Action interface {
	encodeAction(b []byte) []byte
}

// ActionOutput forwards the packet out of Port
type ActionOutput struct {
	Port   uint32
	MaxLen uint16
}

func (a ActionOutput) encodeAction(b []byte) []byte {
	b = appendUint16(b, actionTypeOutput)
	b = appendUint16(b, 16)
	b = appendUint32(b, a.Port)
	b = appendUint16(b, a.MaxLen)
	return appendZeros(b, 6)
}

// ActionGroup hands the packet to a group
type ActionGroup struct {
	GroupID uint32
}

func (a ActionGroup) encodeAction(b []byte) []byte {
	b = appendUint16(b, actionTypeGroup)
	b = appendUint16(b, 8)
	return appendUint32(b, a.GroupID)
}

// Output is shorthand for an output action that sends whole packets
func Output(port uint32) ActionOutput {
	return ActionOutput{Port: port, MaxLen: ControllerMaxLenNoBuffer}
}

func encodeActions(b []byte, actions []Action) []byte {
	for _, a := range actions {
		b = a.encodeAction(b)
	}
	return b
}

// Instruction is an entry of a flow's instruction list
type Instruction interface {
	encodeInstruction(b []byte) []byte
}

// ApplyActions applies its actions immediately
type ApplyActions struct {
	Actions []Action
}

func (i ApplyActions) encodeInstruction(b []byte) []byte {
	start := len(b)
	b = appendUint16(b, instructionTypeApplyActions)
	b = appendUint16(b, 0)
	b = appendZeros(b, 4)
	b = encodeActions(b, i.Actions)
	binary.BigEndian.PutUint16(b[start+2:], uint16(len(b)-start))
	return b
}
