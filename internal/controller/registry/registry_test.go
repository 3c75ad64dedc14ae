package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/pathflip/internal/topology"
)

func fullFeed(topo topology.Topology) map[topology.DPID][]topology.Link {
	links := []topology.Link{
		{Src: topo.Ingress, SrcPort: 1, Dst: topo.MidA, DstPort: 1},
		{Src: topo.Ingress, SrcPort: 2, Dst: topo.MidB, DstPort: 1},
		{Src: topo.MidA, SrcPort: 2, Dst: topo.Egress, DstPort: 1},
		{Src: topo.MidB, SrcPort: 2, Dst: topo.Egress, DstPort: 2},
		// reverse directions as LLDP reports them
		{Src: topo.MidA, SrcPort: 1, Dst: topo.Ingress, DstPort: 1},
		{Src: topo.Egress, SrcPort: 2, Dst: topo.MidB, DstPort: 2},
	}
	feed := make(map[topology.DPID][]topology.Link)
	for _, l := range links {
		feed[l.Src] = append(feed[l.Src], l)
		feed[l.Dst] = append(feed[l.Dst], l)
	}
	return feed
}

func TestRecordObservedEdges(t *testing.T) {
	topo := topology.Default()
	r := NewLinkRegistry(topo)
	assert.False(t, r.AllLinksKnown())

	filled := r.RecordObservedEdges(fullFeed(topo))
	assert.Equal(t, 4, filled)
	assert.True(t, r.AllLinksKnown())
	assert.Len(t, r.Links(), 4)

	// Duplicate observations change nothing
	assert.Equal(t, 0, r.RecordObservedEdges(fullFeed(topo)))

	a, b, ok := r.EdgeUplinks(topo.Ingress)
	require.True(t, ok)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	a, b, ok = r.EdgeUplinks(topo.Egress)
	require.True(t, ok)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	in, out, ok := r.MiddlePorts(topo.MidB)
	require.True(t, ok)
	assert.Equal(t, uint32(1), in)
	assert.Equal(t, uint32(2), out)

	_, _, ok = r.MiddlePorts(topo.Ingress)
	assert.False(t, ok)
}

func TestFirstObservationWins(t *testing.T) {
	topo := topology.Default()
	r := NewLinkRegistry(topo)
	r.RecordObservedEdges(map[topology.DPID][]topology.Link{
		topo.Ingress: {{Src: topo.Ingress, SrcPort: 5, Dst: topo.MidA, DstPort: 6}},
	})
	r.RecordObservedEdges(map[topology.DPID][]topology.Link{
		topo.Ingress: {{Src: topo.Ingress, SrcPort: 9, Dst: topo.MidA, DstPort: 9}},
	})

	l, ok := r.Link(topo.Ingress, topo.MidA)
	require.True(t, ok)
	assert.Equal(t, uint32(5), l.SrcPort)
	assert.False(t, r.AllLinksKnown())
}

func TestIgnoresUnrequiredPairs(t *testing.T) {
	topo := topology.Default()
	r := NewLinkRegistry(topo)
	n := r.RecordObservedEdges(map[topology.DPID][]topology.Link{
		topo.MidA: {
			{Src: topo.MidA, SrcPort: 3, Dst: topo.MidB, DstPort: 3},
			{Src: topo.MidA, SrcPort: 1, Dst: topo.Ingress, DstPort: 1},
			{Src: 0x99, SrcPort: 1, Dst: topo.MidA, DstPort: 4},
		},
	})
	assert.Equal(t, 0, n)
	assert.Empty(t, r.Links())
}

func TestClearLinksFor(t *testing.T) {
	topo := topology.Default()
	r := NewLinkRegistry(topo)
	r.RecordObservedEdges(fullFeed(topo))

	r.ClearLinksFor(topo.MidA)
	assert.False(t, r.AllLinksKnown())
	_, ok := r.Link(topo.Ingress, topo.MidA)
	assert.False(t, ok)
	_, ok = r.Link(topo.MidA, topo.Egress)
	assert.False(t, ok)
	_, ok = r.Link(topo.Ingress, topo.MidB)
	assert.True(t, ok, "links not touching midA survive")
	assert.Len(t, r.Links(), 2)

	// Rediscovery may bring a different port mapping
	r.RecordObservedEdges(map[topology.DPID][]topology.Link{
		topo.MidA: {
			{Src: topo.Ingress, SrcPort: 1, Dst: topo.MidA, DstPort: 7},
			{Src: topo.MidA, SrcPort: 8, Dst: topo.Egress, DstPort: 1},
		},
	})
	assert.True(t, r.AllLinksKnown())
	in, out, ok := r.MiddlePorts(topo.MidA)
	require.True(t, ok)
	assert.Equal(t, uint32(7), in)
	assert.Equal(t, uint32(8), out)
}
