package ofp

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}

func decode(t *testing.T, raw []byte) (Header, Message) {
	t.Helper()
	h, body, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	m, err := Unmarshal(h, body)
	require.NoError(t, err)
	return h, m
}

func TestMarshalPortMod(t *testing.T) {
	got := Marshal(7, &PortMod{
		PortNo: 2,
		HwAddr: mustMAC(t, "02:00:00:00:00:02"),
		Config: PortConfigPortDown,
		Mask:   PortConfigPortDown,
	})
	want := []byte{
		0x04, 0x10, 0x00, 0x28, 0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("port mod mismatch (-want +got):\n%s", diff)
	}

	_, m := decode(t, got)
	pm, ok := m.(*PortMod)
	require.True(t, ok)
	assert.Equal(t, uint32(2), pm.PortNo)
	assert.Equal(t, "02:00:00:00:00:02", pm.HwAddr.String())
	assert.Equal(t, PortConfigPortDown, pm.Mask)
}

func TestMarshalFastFailoverGroup(t *testing.T) {
	got := Marshal(1, &GroupMod{
		Command:   GroupAdd,
		GroupType: GroupTypeFastFailover,
		GroupID:   1,
		Buckets: []Bucket{
			{WatchPort: 1, WatchGroup: GroupAny, Actions: []Action{Output(1)}},
			{WatchPort: 2, WatchGroup: GroupAny, Actions: []Action{Output(2)}},
		},
	})
	require.Len(t, got, 80)
	assert.Equal(t, []byte{0x04, 0x0f, 0x00, 0x50}, got[:4])
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x01}, got[8:16])

	firstBucket := []byte{
		0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
		0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x01,
		0xff, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	if diff := cmp.Diff(firstBucket, got[16:48]); diff != "" {
		t.Errorf("bucket mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x02}, got[52:56], "second bucket watches port 2")
}

func TestMarshalFlowMod(t *testing.T) {
	got := Marshal(3, &FlowMod{
		Cookie:     0x11223344,
		CookieMask: 0xffffffffffffffff,
		Command:    FlowAdd,
		Priority:   0x7fff,
		BufferID:   NoBuffer,
		OutPort:    PortAny,
		OutGroup:   GroupAny,
		Match:      Match{InPort: 3, EthType: 0x0806},
		Instructions: []Instruction{
			ApplyActions{Actions: []Action{ActionGroup{GroupID: 1}}},
		},
	})
	require.Len(t, got, 88)
	assert.Equal(t, []byte{0x04, 0x0e, 0x00, 0x58}, got[:4])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x11, 0x22, 0x33, 0x44}, got[8:16])

	tail := []byte{
		// match: OXM type, length 18, in_port=3, eth_type=0x0806, padding
		0x00, 0x01, 0x00, 0x12,
		0x80, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x03,
		0x80, 0x00, 0x0a, 0x02, 0x08, 0x06,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		// apply actions with a group action
		0x00, 0x04, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x16, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01,
	}
	if diff := cmp.Diff(tail, got[48:]); diff != "" {
		t.Errorf("flow mod tail mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodePortDescReply(t *testing.T) {
	raw := Marshal(9, &PortDescReply{
		More: true,
		Ports: []Port{
			{No: 1, HwAddr: mustMAC(t, "02:00:00:00:00:01"), Name: "eth1"},
			{No: PortLocal, Name: "br0", Config: PortConfigPortDown, State: PortStateLinkDown},
		},
	})
	h, m := decode(t, raw)
	assert.Equal(t, TypeMultipartReply, h.Type)
	assert.Equal(t, uint32(9), h.Xid)

	reply, ok := m.(*PortDescReply)
	require.True(t, ok)
	assert.True(t, reply.More)
	require.Len(t, reply.Ports, 2)
	assert.Equal(t, "eth1", reply.Ports[0].Name)
	assert.Equal(t, "02:00:00:00:00:01", reply.Ports[0].HwAddr.String())
	assert.False(t, reply.Ports[0].IsReserved())
	assert.True(t, reply.Ports[1].IsReserved())
	assert.True(t, reply.Ports[1].AdminDown())
	assert.True(t, reply.Ports[1].LinkDown())
}

func TestDecodePacketIn(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := Marshal(0, &PacketIn{
		BufferID: NoBuffer,
		TotalLen: uint16(len(payload)),
		Reason:   PacketInReasonAction,
		Cookie:   0xabc,
		Match:    Match{InPort: 5},
		Data:     payload,
	})
	_, m := decode(t, raw)
	pin, ok := m.(*PacketIn)
	require.True(t, ok)
	assert.Equal(t, uint32(5), pin.Match.InPort)
	assert.Equal(t, uint64(0xabc), pin.Cookie)
	assert.Equal(t, payload, pin.Data)
}

func TestDecodeFeaturesAndStatus(t *testing.T) {
	_, m := decode(t, Marshal(1, &FeaturesReply{DatapathID: 0x2a, NTables: 254}))
	fr, ok := m.(*FeaturesReply)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2a), fr.DatapathID)
	assert.Equal(t, uint8(254), fr.NTables)

	_, m = decode(t, Marshal(0, &PortStatus{Reason: PortReasonDelete, Port: Port{No: 4}}))
	ps, ok := m.(*PortStatus)
	require.True(t, ok)
	assert.Equal(t, PortReasonDelete, ps.Reason)
	assert.Equal(t, uint32(4), ps.Port.No)

	_, m = decode(t, Marshal(0, &Error{ErrType: ErrTypeBadRequest, Code: 2}))
	oerr, ok := m.(*Error)
	require.True(t, ok)
	assert.EqualError(t, oerr, "openflow error type=1 code=2")
}

func TestUnmarshalUnknownAndMalformed(t *testing.T) {
	_, m := decode(t, Marshal(0, &PacketOut{BufferID: NoBuffer, InPort: PortController, Actions: []Action{Output(1)}}))
	u, ok := m.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, TypePacketOut, u.Type())

	_, _, err := ReadMessage(bytes.NewReader([]byte{0x04, 0x00, 0x00, 0x04, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Unmarshal(Header{Type: TypeFeaturesReply}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPortDownBit(t *testing.T) {
	for _, v := range []uint8{Version10, Version11, Version12, Version13, Version14, Version15} {
		bit, err := PortDownBit(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), bit, "version 0x%02x", v)
	}

	_, err := PortDownBit(0x07)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	_, err = PortDownBit(0x00)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestNegotiateVersion(t *testing.T) {
	v, err := NegotiateVersion(Version15)
	require.NoError(t, err)
	assert.Equal(t, Version13, v)

	v, err = NegotiateVersion(Version13)
	require.NoError(t, err)
	assert.Equal(t, Version13, v)

	_, err = NegotiateVersion(Version10)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
