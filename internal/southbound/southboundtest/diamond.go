package southboundtest

import (
	"net"
	"sync"

	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/topology"
)

// Port numbering used by the diamond fixture
const (
	// On ingress and egress: toward midA, toward midB and the host
	PortTowardA uint32 = 1
	PortTowardB uint32 = 2
	PortHost    uint32 = 3
	// On midA and midB
	PortToIngress uint32 = 1
	PortToEgress  uint32 = 2
)

func port(dpid topology.DPID, no uint32) ofp.Port {
	return ofp.Port{
		No:     no,
		HwAddr: net.HardwareAddr{0x02, 0, 0, byte(dpid), 0, byte(no)},
		Name:   dpid.String(),
	}
}

// Diamond holds one device per node of topo, wired as in the demo network
type Diamond struct {
	Topo    topology.Topology
	Ingress *Device
	MidA    *Device
	MidB    *Device
	Egress  *Device
}

// NewDiamond builds the four devices for topo speaking OpenFlow 1.3
func NewDiamond(topo topology.Topology) *Diamond {
	edge := func(id topology.DPID) *Device {
		local := port(id, ofp.PortLocal)
		return NewDevice(id, ofp.Version13,
			port(id, PortTowardA), port(id, PortTowardB), port(id, PortHost), local)
	}
	mid := func(id topology.DPID) *Device {
		return NewDevice(id, ofp.Version13, port(id, PortToIngress), port(id, PortToEgress))
	}
	return &Diamond{
		Topo:    topo,
		Ingress: edge(topo.Ingress),
		MidA:    mid(topo.MidA),
		MidB:    mid(topo.MidB),
		Egress:  edge(topo.Egress),
	}
}

// Devices returns the four devices
func (d *Diamond) Devices() []*Device {
	return []*Device{d.Ingress, d.MidA, d.MidB, d.Egress}
}

// Links returns the four required links plus the reverse directions
func (d *Diamond) Links() []topology.Link {
	t := d.Topo
	return []topology.Link{
		{Src: t.Ingress, SrcPort: PortTowardA, Dst: t.MidA, DstPort: PortToIngress},
		{Src: t.Ingress, SrcPort: PortTowardB, Dst: t.MidB, DstPort: PortToIngress},
		{Src: t.MidA, SrcPort: PortToEgress, Dst: t.Egress, DstPort: PortTowardA},
		{Src: t.MidB, SrcPort: PortToEgress, Dst: t.Egress, DstPort: PortTowardB},
		{Src: t.MidA, SrcPort: PortToIngress, Dst: t.Ingress, DstPort: PortTowardA},
		{Src: t.Egress, SrcPort: PortTowardB, Dst: t.MidB, DstPort: PortToEgress},
	}
}

// Feed is a static topology feed
type Feed struct {
	mu    sync.Mutex
	links []topology.Link
}

// NewFeed returns a feed reporting links
func NewFeed(links []topology.Link) *Feed {
	return &Feed{links: links}
}

// Set replaces the reported links
func (f *Feed) Set(links []topology.Link) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = links
}

// DiscoveredEdges lists every link under both of its endpoints
func (f *Feed) DiscoveredEdges() map[topology.DPID][]topology.Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	edges := make(map[topology.DPID][]topology.Link)
	for _, l := range f.links {
		edges[l.Src] = append(edges[l.Src], l)
		edges[l.Dst] = append(edges[l.Dst], l)
	}
	return edges
}
