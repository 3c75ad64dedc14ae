// Package southboundtest provides in-memory switches for tests
package southboundtest

import (
	"context"
	"sort"
	"sync"

	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/southbound"
	"github.com/yuuki/pathflip/internal/topology"
)

// Device records every message written to it and applies port-mods to its
// own port table
type Device struct {
	id      topology.DPID
	version uint8

	mu         sync.Mutex
	ports      map[uint32]ofp.Port
	writes     []ofp.Message
	barriers   int
	barrierErr error
	blockBar   bool
	writeErr   error
}

var _ southbound.Device = (*Device)(nil)

// NewDevice creates a device speaking version with the given ports
func NewDevice(id topology.DPID, version uint8, ports ...ofp.Port) *Device {
	d := &Device{id: id, version: version, ports: make(map[uint32]ofp.Port)}
	for _, p := range ports {
		d.ports[p.No] = p
	}
	return d
}

func (d *Device) ID() topology.DPID { return d.id }
func (d *Device) Version() uint8    { return d.version }

func (d *Device) Ports() []ofp.Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	ports := make([]ofp.Port, 0, len(d.ports))
	for _, p := range d.ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].No < ports[j].No })
	return ports
}

func (d *Device) Port(no uint32) (ofp.Port, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[no]
	return p, ok
}

func (d *Device) Write(msg ofp.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, msg)
	if pm, ok := msg.(*ofp.PortMod); ok {
		if p, ok := d.ports[pm.PortNo]; ok {
			p.Config = p.Config&^pm.Mask | pm.Config&pm.Mask
			d.ports[pm.PortNo] = p
		}
	}
	return nil
}

func (d *Device) Barrier(ctx context.Context) error {
	d.mu.Lock()
	d.barriers++
	block, err := d.blockBar, d.barrierErr
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// SetBarrier makes Barrier wait for its context when block is set, or
// return err otherwise
func (d *Device) SetBarrier(block bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockBar, d.barrierErr = block, err
}

// SetWriteErr makes every later Write fail with err
func (d *Device) SetWriteErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// Writes returns the messages written so far
func (d *Device) Writes() []ofp.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ofp.Message(nil), d.writes...)
}

// Barriers returns how many barriers were requested
func (d *Device) Barriers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barriers
}

// ClearWrites forgets recorded writes and barriers
func (d *Device) ClearWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
	d.barriers = 0
}

// FlowMods returns the recorded flow-mods
func (d *Device) FlowMods() []*ofp.FlowMod {
	var out []*ofp.FlowMod
	for _, m := range d.Writes() {
		if fm, ok := m.(*ofp.FlowMod); ok {
			out = append(out, fm)
		}
	}
	return out
}

// GroupMods returns the recorded group-mods
func (d *Device) GroupMods() []*ofp.GroupMod {
	var out []*ofp.GroupMod
	for _, m := range d.Writes() {
		if gm, ok := m.(*ofp.GroupMod); ok {
			out = append(out, gm)
		}
	}
	return out
}

// PortMods returns the recorded port-mods
func (d *Device) PortMods() []*ofp.PortMod {
	var out []*ofp.PortMod
	for _, m := range d.Writes() {
		if pm, ok := m.(*ofp.PortMod); ok {
			out = append(out, pm)
		}
	}
	return out
}

// Registry is a device source backed by a map
type Registry struct {
	mu      sync.Mutex
	devices map[topology.DPID]*Device
}

// NewRegistry creates a registry holding devs
func NewRegistry(devs ...*Device) *Registry {
	r := &Registry{devices: make(map[topology.DPID]*Device)}
	for _, d := range devs {
		r.devices[d.ID()] = d
	}
	return r
}

func (r *Registry) Device(id topology.DPID) (southbound.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// Add registers d, replacing any device with the same id
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID()] = d
}

// Remove drops the device with the given id
func (r *Registry) Remove(id topology.DPID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}
