package registry

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/topology"
)

// LinkRegistry holds the links behind the topology's required slots. A slot
// is filled by the first matching observation and keeps that mapping until
// one of its endpoints disconnects
type LinkRegistry struct {
	topo  topology.Topology
	mu    sync.RWMutex
	links map[topology.Slot]topology.Link
}

// NewLinkRegistry creates an empty registry for topo
func NewLinkRegistry(topo topology.Topology) *LinkRegistry {
	return &LinkRegistry{
		topo:  topo,
		links: make(map[topology.Slot]topology.Link),
	}
}

// RecordObservedEdges merges observations into the unknown slots and returns
// how many slots were filled. Edges between other node pairs are ignored
func (r *LinkRegistry) RecordObservedEdges(edges map[topology.DPID][]topology.Link) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	filled := 0
	for _, list := range edges {
		for _, l := range list {
			if !r.topo.Requires(l.Src, l.Dst) {
				continue
			}
			slot := topology.Slot{Src: l.Src, Dst: l.Dst}
			if _, known := r.links[slot]; known {
				continue
			}
			r.links[slot] = l
			filled++
			log.Info().Str("link", l.String()).Msg("Learned link")
		}
	}
	return filled
}

// AllLinksKnown reports whether every required slot is filled
func (r *LinkRegistry) AllLinksKnown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.topo.Slots() {
		if _, ok := r.links[s]; !ok {
			return false
		}
	}
	return true
}

// ClearLinksFor forgets every slot with node as an endpoint
func (r *LinkRegistry) ClearLinksFor(node topology.DPID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slot := range r.links {
		if slot.Src == node || slot.Dst == node {
			delete(r.links, slot)
		}
	}
}

// Link returns the link filling the (src, dst) slot
func (r *LinkRegistry) Link(src, dst topology.DPID) (topology.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[topology.Slot{Src: src, Dst: dst}]
	return l, ok
}

// Links returns the known links in slot order
func (r *LinkRegistry) Links() []topology.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []topology.Link
	for _, s := range r.topo.Slots() {
		if l, ok := r.links[s]; ok {
			out = append(out, l)
		}
	}
	return out
}

// EdgeUplinks returns the ports of the ingress or egress node that face midA
// and midB
func (r *LinkRegistry) EdgeUplinks(node topology.DPID) (towardA, towardB uint32, ok bool) {
	switch node {
	case r.topo.Ingress:
		a, okA := r.Link(r.topo.Ingress, r.topo.MidA)
		b, okB := r.Link(r.topo.Ingress, r.topo.MidB)
		return a.SrcPort, b.SrcPort, okA && okB
	case r.topo.Egress:
		a, okA := r.Link(r.topo.MidA, r.topo.Egress)
		b, okB := r.Link(r.topo.MidB, r.topo.Egress)
		return a.DstPort, b.DstPort, okA && okB
	}
	return 0, 0, false
}

// MiddlePorts returns the ports of a middle node that face ingress and egress
func (r *LinkRegistry) MiddlePorts(node topology.DPID) (toIngress, toEgress uint32, ok bool) {
	if !r.topo.IsMiddle(node) {
		return 0, 0, false
	}
	up, okUp := r.Link(r.topo.Ingress, node)
	down, okDown := r.Link(node, r.topo.Egress)
	return up.DstPort, down.SrcPort, okUp && okDown
}
