package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/pathflip/internal/controller/flowplan"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/southbound/southboundtest"
	"github.com/yuuki/pathflip/internal/topology"
)

type engineFixture struct {
	topo    topology.Topology
	diamond *southboundtest.Diamond
	devices *southboundtest.Registry
	feed    *southboundtest.Feed
	engine  *Engine

	mu    sync.Mutex
	ready []bool
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	topo := topology.Default()
	d := southboundtest.NewDiamond(topo)
	f := &engineFixture{
		topo:    topo,
		diamond: d,
		devices: southboundtest.NewRegistry(d.Devices()...),
		feed:    southboundtest.NewFeed(d.Links()),
	}
	f.engine = NewEngine(EngineConfig{
		Topology: topo,
		Devices:  f.devices,
		Feed:     f.feed,
		OnReady: func(ready bool) {
			f.mu.Lock()
			f.ready = append(f.ready, ready)
			f.mu.Unlock()
		},
	})
	return f
}

// connectAll brings every node up and forgets the resulting port resets
func (f *engineFixture) connectAll() {
	for _, dev := range f.diamond.Devices() {
		f.engine.OnDeviceUp(dev.ID())
	}
	f.clearWrites()
}

func (f *engineFixture) clearWrites() {
	for _, dev := range f.diamond.Devices() {
		dev.ClearWrites()
	}
}

func (f *engineFixture) totalWrites() int {
	n := 0
	for _, dev := range f.diamond.Devices() {
		n += len(dev.Writes())
	}
	return n
}

func adminUp(t *testing.T, dev *southboundtest.Device, no uint32) bool {
	t.Helper()
	p, ok := dev.Port(no)
	require.True(t, ok)
	return p.Config&ofp.PortConfigPortDown == 0
}

func setAdminDown(t *testing.T, dev *southboundtest.Device, no uint32) {
	t.Helper()
	p, ok := dev.Port(no)
	require.True(t, ok)
	mod, err := flowplan.PortAdmin(p, dev.Version(), false)
	require.NoError(t, err)
	require.NoError(t, dev.Write(mod))
}

func (f *engineFixture) assertLive(t *testing.T, path topology.Path) {
	t.Helper()
	for _, dev := range []*southboundtest.Device{f.diamond.Ingress, f.diamond.Egress} {
		upA := adminUp(t, dev, southboundtest.PortTowardA)
		upB := adminUp(t, dev, southboundtest.PortTowardB)
		assert.NotEqual(t, upA, upB, "exactly one uplink up on %s", dev.ID())
		assert.Equal(t, path == topology.PathA, upA, "path A uplink on %s", dev.ID())
		assert.Equal(t, path == topology.PathB, upB, "path B uplink on %s", dev.ID())
	}
}

func TestFirstToggleMakesPathALive(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()

	res, err := f.engine.Toggle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, topology.PathA, res.Live)
	assert.True(t, adminUp(t, f.diamond.Ingress, southboundtest.PortTowardA))
	assert.False(t, adminUp(t, f.diamond.Ingress, southboundtest.PortTowardB))
	f.assertLive(t, topology.PathA)

	st := f.engine.Status()
	assert.Equal(t, "A", st.LivePath)
	assert.Equal(t, "B", st.ActivePath, "the next toggle makes path B live")
}

func TestToggleAlternates(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	ctx := context.Background()

	st := f.engine.Status()
	assert.Equal(t, "A", st.ActivePath, "starts on path A")
	assert.Empty(t, st.LivePath)

	want := topology.PathA
	for i := 1; i <= 5; i++ {
		res, err := f.engine.Toggle(ctx)
		require.NoError(t, err, "toggle %d", i)
		assert.Equal(t, want, res.Live)
		assert.Equal(t, i == 1, res.Provisioned, "flows are only installed by the first toggle")
		assert.Equal(t, want.String(), f.engine.Status().LivePath)
		assert.Equal(t, want.Other().String(), f.engine.Status().ActivePath)
		f.assertLive(t, want)
		want = want.Other()
	}
	assert.Equal(t, "A", f.engine.Status().LivePath, "odd number of toggles leaves path A live")

	_, err := f.engine.Toggle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", f.engine.Status().LivePath, "even number of toggles leaves path B live")
	assert.Equal(t, "A", f.engine.Status().ActivePath)
	f.assertLive(t, topology.PathB)
}

func TestPartialPortWriteFailureRetries(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	ctx := context.Background()
	_, err := f.engine.Toggle(ctx)
	require.NoError(t, err)
	f.clearWrites()

	f.diamond.Egress.SetWriteErr(errors.New("connection reset"))
	res, err := f.engine.Toggle(ctx)
	require.Error(t, err)
	assert.Equal(t, topology.PathB, res.Live)
	assert.Contains(t, err.Error(), "on egress")
	assert.NotContains(t, err.Error(), "on ingress")
	assert.Len(t, f.diamond.Ingress.PortMods(), 2, "ingress changes still land")
	assert.True(t, adminUp(t, f.diamond.Ingress, southboundtest.PortTowardB))
	assert.Equal(t, "B", f.engine.Status().ActivePath, "selector unchanged")
	assert.Equal(t, "A", f.engine.Status().LivePath)

	f.diamond.Egress.SetWriteErr(nil)
	res, err = f.engine.Toggle(ctx)
	require.NoError(t, err)
	assert.Equal(t, topology.PathB, res.Live, "the retry converges on the same path")
	f.assertLive(t, topology.PathB)
	assert.Equal(t, "A", f.engine.Status().ActivePath)
}

func TestToggleWritesOnlyUplinkPortMods(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	ctx := context.Background()

	_, err := f.engine.Toggle(ctx)
	require.NoError(t, err)
	f.clearWrites()

	_, err = f.engine.Toggle(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.diamond.MidA.Writes())
	assert.Empty(t, f.diamond.MidB.Writes())
	for _, dev := range []*southboundtest.Device{f.diamond.Ingress, f.diamond.Egress} {
		mods := dev.PortMods()
		require.Len(t, mods, 2)
		assert.Len(t, dev.Writes(), 2)
		for _, pm := range mods {
			p, _ := dev.Port(pm.PortNo)
			assert.Equal(t, p.HwAddr, pm.HwAddr, "hardware address is preserved")
			assert.Equal(t, ofp.PortConfigPortDown, pm.Mask)
		}
	}
}

func TestToggleRequiresReadiness(t *testing.T) {
	f := newEngineFixture(t)
	for _, dev := range []*southboundtest.Device{f.diamond.Ingress, f.diamond.MidA, f.diamond.Egress} {
		f.engine.OnDeviceUp(dev.ID())
	}
	f.clearWrites()

	_, err := f.engine.Toggle(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	require.Len(t, nre.Nodes, 4)
	for _, n := range nre.Nodes {
		assert.Equal(t, n.Name != "midB", n.Connected, n.Name)
	}

	assert.Zero(t, f.totalWrites())
	assert.Equal(t, "A", f.engine.Status().ActivePath)
}

func TestToggleRequiresAllLinks(t *testing.T) {
	f := newEngineFixture(t)
	f.feed.Set(f.diamond.Links()[:3])
	f.connectAll()

	_, err := f.engine.Toggle(context.Background())
	require.ErrorIs(t, err, ErrTopologyIncomplete)
	assert.Zero(t, f.totalWrites())

	// Discovery catches up
	f.feed.Set(f.diamond.Links())
	res, err := f.engine.Toggle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Provisioned)
}

func TestDisconnectClearsLinksAndFlows(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	_, err := f.engine.Toggle(context.Background())
	require.NoError(t, err)
	require.True(t, f.engine.Status().LinksKnown)

	f.engine.OnDeviceDown(f.topo.MidA)

	_, ok := f.engine.links.Link(f.topo.Ingress, f.topo.MidA)
	assert.False(t, ok)
	_, ok = f.engine.links.Link(f.topo.MidA, f.topo.Egress)
	assert.False(t, ok)
	_, ok = f.engine.links.Link(f.topo.Ingress, f.topo.MidB)
	assert.True(t, ok)

	st := f.engine.Status()
	assert.False(t, st.Ready)
	assert.False(t, st.LinksKnown)
	for _, n := range st.Nodes {
		assert.Equal(t, n.Name != "midA", n.Connected, n.Name)
		assert.Equal(t, n.Name != "midA", n.FlowsInstalled, n.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.ready)
	assert.False(t, f.ready[len(f.ready)-1])
	assert.Contains(t, f.ready, true)
}

func TestReconnectReprovisionsOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	ctx := context.Background()
	_, err := f.engine.Toggle(ctx)
	require.NoError(t, err)

	f.engine.OnDeviceDown(f.topo.Ingress)
	assert.False(t, f.engine.state.FlowsInstalled(f.topo.Ingress))
	f.engine.OnDeviceUp(f.topo.Ingress)
	assert.False(t, f.engine.state.FlowsInstalled(f.topo.Ingress))
	f.clearWrites()

	res, err := f.engine.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Provisioned)
	assert.True(t, f.engine.state.FlowsInstalled(f.topo.Ingress))
	assert.Len(t, f.diamond.Ingress.FlowMods(), 7, "one delete and six flows")
	assert.Len(t, f.diamond.Ingress.GroupMods(), 2, "group delete and add")
	assert.Empty(t, f.diamond.Egress.FlowMods(), "other nodes keep their flows")

	f.clearWrites()
	res, err = f.engine.Toggle(ctx)
	require.NoError(t, err)
	assert.False(t, res.Provisioned)
	assert.Empty(t, f.diamond.Ingress.FlowMods())
}

func TestConnectResetsPorts(t *testing.T) {
	f := newEngineFixture(t)
	setAdminDown(t, f.diamond.Ingress, southboundtest.PortTowardB)
	require.False(t, adminUp(t, f.diamond.Ingress, southboundtest.PortTowardB))

	f.engine.OnDeviceUp(f.topo.Ingress)

	for _, no := range []uint32{southboundtest.PortTowardA, southboundtest.PortTowardB, southboundtest.PortHost} {
		assert.True(t, adminUp(t, f.diamond.Ingress, no))
	}
	for _, pm := range f.diamond.Ingress.PortMods() {
		assert.NotEqual(t, ofp.PortLocal, pm.PortNo, "reserved ports are left alone")
	}
	assert.False(t, f.engine.Status().Ready)
}

func TestUntrackedDeviceIgnored(t *testing.T) {
	f := newEngineFixture(t)
	stranger := southboundtest.NewDevice(0x99, ofp.Version13, ofp.Port{No: 1})
	f.devices.Add(stranger)

	f.engine.OnDeviceUp(0x99)
	f.engine.OnDeviceDown(0x99)

	assert.Empty(t, stranger.Writes())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.ready)
}

func TestResetIsIndependentPerNode(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	_, err := f.engine.Toggle(context.Background())
	require.NoError(t, err)

	f.engine.OnDeviceDown(f.topo.Egress)
	f.devices.Remove(f.topo.Egress)
	setAdminDown(t, f.diamond.Ingress, southboundtest.PortHost)
	f.clearWrites()

	results := f.engine.Reset()
	require.Len(t, results, 2)
	byNode := map[topology.DPID]error{}
	for _, r := range results {
		byNode[r.Node] = r.Err
	}
	assert.NoError(t, byNode[f.topo.Ingress])
	assert.ErrorIs(t, byNode[f.topo.Egress], ErrDeviceAbsent)

	for _, no := range []uint32{southboundtest.PortTowardA, southboundtest.PortTowardB, southboundtest.PortHost} {
		assert.True(t, adminUp(t, f.diamond.Ingress, no))
	}
	assert.Len(t, f.diamond.Ingress.PortMods(), 3)
	assert.Empty(t, f.diamond.Ingress.FlowMods(), "reset leaves flows alone")
	assert.True(t, f.engine.state.FlowsInstalled(f.topo.Ingress))
	assert.Equal(t, "B", f.engine.Status().ActivePath, "reset leaves the selector alone")
	assert.Equal(t, "A", f.engine.Status().LivePath)
}

func TestResetPortsUnsupportedVersion(t *testing.T) {
	f := newEngineFixture(t)
	old := southboundtest.NewDevice(f.topo.Ingress, 0x09, ofp.Port{No: 1})
	f.devices.Add(old)

	err := f.engine.ResetPorts(f.topo.Ingress)
	require.ErrorIs(t, err, ofp.ErrUnsupportedVersion)
	assert.Empty(t, old.Writes())
}

func TestProvisionFailureAbortsToggle(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()
	ambiguous := southboundtest.NewDevice(f.topo.Egress, ofp.Version13,
		append(f.diamond.Egress.Ports(), ofp.Port{No: 7})...)
	f.devices.Add(ambiguous)

	res, err := f.engine.Toggle(context.Background())
	var hpe *flowplan.HostPortError
	require.ErrorAs(t, err, &hpe)
	assert.True(t, res.Provisioned, "the other nodes were provisioned")
	assert.Empty(t, f.diamond.Ingress.PortMods(), "no port flipped")
	assert.Empty(t, ambiguous.Writes())
	assert.Equal(t, "A", f.engine.Status().ActivePath)

	// Fixing the port list lets the next toggle finish the job
	f.devices.Add(f.diamond.Egress)
	f.clearWrites()
	res, err = f.engine.Toggle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Provisioned)
	assert.Empty(t, f.diamond.Ingress.FlowMods())
	assert.Len(t, f.diamond.Egress.FlowMods(), 7)
	assert.Equal(t, topology.PathA, res.Live, "the failed toggle did not consume path A")
	f.assertLive(t, topology.PathA)
}

func TestConcurrentTogglesSerialize(t *testing.T) {
	f := newEngineFixture(t)
	f.connectAll()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Toggle(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, "A", f.engine.Status().ActivePath)
	assert.Equal(t, "B", f.engine.Status().LivePath, "ten toggles leave path B live")
	f.assertLive(t, topology.PathB)
	assert.Len(t, f.diamond.Ingress.FlowMods(), 7, "provisioned exactly once")
}
