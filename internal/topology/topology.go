package topology

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// DPID is an OpenFlow datapath identifier
type DPID uint64

// String formats the datapath id as colon separated hex octets, e.g. 00:00:00:00:00:00:00:2a
func (d DPID) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(d))
	parts := make([]string, len(b))
	for i, octet := range b {
		parts[i] = fmt.Sprintf("%02x", octet)
	}
	return strings.Join(parts, ":")
}

// ParseDPID parses either the colon separated wire form or a plain hex string
func ParseDPID(s string) (DPID, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	clean = strings.ReplaceAll(strings.TrimPrefix(clean, "0x"), ":", "")
	if clean == "" || len(clean) > 16 {
		return 0, fmt.Errorf("invalid datapath id %q", s)
	}
	if len(clean)%2 == 1 {
		clean = "0" + clean
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid datapath id %q: %w", s, err)
	}
	var b [8]byte
	copy(b[8-len(raw):], raw)
	return DPID(binary.BigEndian.Uint64(b[:])), nil
}

// Link is a directed physical connection between two switch ports
type Link struct {
	Src     DPID   `json:"src"`
	SrcPort uint32 `json:"src_port"`
	Dst     DPID   `json:"dst"`
	DstPort uint32 `json:"dst_port"`
}

func (l Link) String() string {
	return fmt.Sprintf("%s/%d->%s/%d", l.Src, l.SrcPort, l.Dst, l.DstPort)
}

// Touches reports whether node is either endpoint of the link
func (l Link) Touches(node DPID) bool {
	return l.Src == node || l.Dst == node
}

// Slot names one of the directed node pairs the topology requires
type Slot struct {
	Src DPID
	Dst DPID
}

// Path identifies one of the two redundant paths
type Path int

const (
	PathA Path = iota
	PathB
)

func (p Path) String() string {
	if p == PathA {
		return "A"
	}
	return "B"
}

// Other returns the opposite path
func (p Path) Other() Path {
	if p == PathA {
		return PathB
	}
	return PathA
}

// Default datapath ids of the demo topology
const (
	DefaultIngress DPID = 0x01
	DefaultMidA    DPID = 0x2a
	DefaultMidB    DPID = 0x2b
	DefaultEgress  DPID = 0x03
)

// Topology is the fixed diamond: ingress fans out to midA and midB, both of
// which feed egress. Path A runs through midA, path B through midB
type Topology struct {
	Ingress DPID
	MidA    DPID
	MidB    DPID
	Egress  DPID
}

// Default returns the topology with the default datapath ids
func Default() Topology {
	return Topology{
		Ingress: DefaultIngress,
		MidA:    DefaultMidA,
		MidB:    DefaultMidB,
		Egress:  DefaultEgress,
	}
}

// Validate checks that the four node ids are distinct and non-zero
func (t Topology) Validate() error {
	seen := make(map[DPID]struct{}, 4)
	for _, n := range t.Nodes() {
		if n == 0 {
			return fmt.Errorf("topology node id must not be zero")
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("topology node id %s is used twice", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Nodes returns all tracked nodes in provisioning order: middle nodes first, then edge nodes
func (t Topology) Nodes() []DPID {
	return []DPID{t.MidA, t.MidB, t.Ingress, t.Egress}
}

// EdgeNodes returns the nodes that carry the failover group
func (t Topology) EdgeNodes() []DPID {
	return []DPID{t.Ingress, t.Egress}
}

// MiddleNodes returns the transit nodes
func (t Topology) MiddleNodes() []DPID {
	return []DPID{t.MidA, t.MidB}
}

// Tracks reports whether node belongs to the topology
func (t Topology) Tracks(node DPID) bool {
	for _, n := range t.Nodes() {
		if n == node {
			return true
		}
	}
	return false
}

// IsEdge reports whether node is the ingress or egress node
func (t Topology) IsEdge(node DPID) bool {
	return node == t.Ingress || node == t.Egress
}

// IsMiddle reports whether node is one of the transit nodes
func (t Topology) IsMiddle(node DPID) bool {
	return node == t.MidA || node == t.MidB
}

// Slots returns the four directed pairs whose links make up both paths
func (t Topology) Slots() []Slot {
	return []Slot{
		{Src: t.Ingress, Dst: t.MidA},
		{Src: t.Ingress, Dst: t.MidB},
		{Src: t.MidA, Dst: t.Egress},
		{Src: t.MidB, Dst: t.Egress},
	}
}

// Requires reports whether the (src, dst) pair is one of the required slots
func (t Topology) Requires(src, dst DPID) bool {
	for _, s := range t.Slots() {
		if s.Src == src && s.Dst == dst {
			return true
		}
	}
	return false
}

// Middle returns the transit node of the given path
func (t Topology) Middle(p Path) DPID {
	if p == PathA {
		return t.MidA
	}
	return t.MidB
}

// Name returns a short role name for a tracked node
func (t Topology) Name(node DPID) string {
	switch node {
	case t.Ingress:
		return "ingress"
	case t.MidA:
		return "midA"
	case t.MidB:
		return "midB"
	case t.Egress:
		return "egress"
	}
	return node.String()
}
