// Package provision installs forwarding state on the four nodes, once per
// connect cycle and barrier-synchronized after the cleanup of stale state
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/controller/flowplan"
	"github.com/yuuki/pathflip/internal/controller/registry"
	"github.com/yuuki/pathflip/internal/eventlog"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/southbound"
	"github.com/yuuki/pathflip/internal/state"
	"github.com/yuuki/pathflip/internal/telemetry"
	"github.com/yuuki/pathflip/internal/topology"
	"go.uber.org/multierr"
)

// DefaultBarrierTimeout bounds the wait for a barrier reply
const DefaultBarrierTimeout = 10 * time.Second

// ErrDeviceAbsent is returned when a node has no connected device handle
var ErrDeviceAbsent = errors.New("device not connected")

// DeviceSource looks up connected devices
type DeviceSource interface {
	Device(id topology.DPID) (southbound.Device, bool)
}

// Provisioner pushes flows and the failover group to nodes that lack them.
// Callers serialize ProvisionAll with connectivity changes
type Provisioner struct {
	topo           topology.Topology
	devices        DeviceSource
	links          *registry.LinkRegistry
	state          *state.ControllerState
	barrierTimeout time.Duration
	metrics        *telemetry.Metrics
	events         eventlog.Sink
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithBarrierTimeout overrides DefaultBarrierTimeout
func WithBarrierTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.barrierTimeout = d
		}
	}
}

// WithMetrics sets the metrics instruments
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithEvents sets the audit sink
func WithEvents(s eventlog.Sink) Option {
	return func(p *Provisioner) { p.events = s }
}

// New creates a Provisioner
func New(topo topology.Topology, devices DeviceSource, links *registry.LinkRegistry, st *state.ControllerState, opts ...Option) *Provisioner {
	p := &Provisioner{
		topo:           topo,
		devices:        devices,
		links:          links,
		state:          st,
		barrierTimeout: DefaultBarrierTimeout,
		metrics:        telemetry.NewNoopMetrics(),
		events:         eventlog.Discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProvisionAll provisions every node whose flows are not installed, middle
// nodes first. It reports whether any node was provisioned. A failing node
// does not stop the others; all failures are returned combined
func (p *Provisioner) ProvisionAll(ctx context.Context) (bool, error) {
	var (
		changed bool
		errs    error
	)
	for _, node := range p.topo.Nodes() {
		if p.state.FlowsInstalled(node) {
			continue
		}
		name := p.topo.Name(node)
		if err := p.provision(ctx, node); err != nil {
			log.Error().Err(err).Str("node", name).Str("dpid", node.String()).Msg("Provisioning failed")
			p.events.Record(eventlog.Event{
				Kind:   eventlog.KindProvision,
				Node:   name,
				Result: eventlog.ResultFailure,
				Detail: err.Error(),
			})
			errs = multierr.Append(errs, fmt.Errorf("provision %s: %w", name, err))
			continue
		}
		p.state.SetFlowsInstalled(node)
		changed = true

		p.metrics.RecordProvisioned(ctx, name)
		p.events.Record(eventlog.Event{
			Kind:   eventlog.KindProvision,
			Node:   name,
			Result: eventlog.ResultSuccess,
		})
		log.Info().Str("node", name).Str("dpid", node.String()).Msg("Provisioned groups and flows")
	}
	return changed, errs
}

// plan is everything written to one node after the barrier
type plan struct {
	group *ofp.GroupMod
	flows []*ofp.FlowMod
}

func (p *Provisioner) provision(ctx context.Context, node topology.DPID) error {
	dev, ok := p.devices.Device(node)
	if !ok {
		return ErrDeviceAbsent
	}

	// Resolve ports before touching the device
	pl, err := p.planFor(node, dev)
	if err != nil {
		return err
	}

	if err := dev.Write(flowplan.DeleteFlows()); err != nil {
		return err
	}
	if pl.group != nil {
		if err := dev.Write(flowplan.DeleteGroup()); err != nil {
			return err
		}
	}
	if err := p.barrier(ctx, node, dev); err != nil {
		return err
	}

	if pl.group != nil {
		if err := dev.Write(pl.group); err != nil {
			return err
		}
	}
	for _, fm := range pl.flows {
		if err := dev.Write(fm); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) planFor(node topology.DPID, dev southbound.Device) (plan, error) {
	switch {
	case p.topo.IsMiddle(node):
		toIngress, toEgress, ok := p.links.MiddlePorts(node)
		if !ok {
			return plan{}, fmt.Errorf("links of %s not known", p.topo.Name(node))
		}
		return plan{flows: flowplan.MiddleFlows(toIngress, toEgress)}, nil
	case p.topo.IsEdge(node):
		towardA, towardB, ok := p.links.EdgeUplinks(node)
		if !ok {
			return plan{}, fmt.Errorf("uplinks of %s not known", p.topo.Name(node))
		}
		host, err := flowplan.HostPort(node, dev.Ports(), towardA, towardB)
		if err != nil {
			return plan{}, err
		}
		log.Debug().
			Str("node", p.topo.Name(node)).
			Uint32("host", host).
			Uint32("towardA", towardA).
			Uint32("towardB", towardB).
			Msg("Resolved edge ports")
		return plan{
			group: flowplan.FailoverGroup(towardA, towardB),
			flows: flowplan.EdgeFlows(host, towardA, towardB),
		}, nil
	default:
		return plan{}, fmt.Errorf("%s is not part of the topology", node)
	}
}

// barrier waits for the device to apply the deletes. A timeout or a switch
// error only warns; a closed connection fails the node
func (p *Provisioner) barrier(ctx context.Context, node topology.DPID, dev southbound.Device) error {
	bctx, cancel := context.WithTimeout(ctx, p.barrierTimeout)
	defer cancel()

	start := time.Now()
	err := dev.Barrier(bctx)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.metrics.RecordBarrier(ctx, "ok", elapsed)
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.metrics.RecordBarrier(ctx, "timeout", elapsed)
		log.Warn().
			Str("node", p.topo.Name(node)).
			Dur("timeout", p.barrierTimeout).
			Msg("Barrier reply not received, installing anyway")
		return nil
	case errors.Is(err, southbound.ErrClosed), ctx.Err() != nil:
		p.metrics.RecordBarrier(ctx, "error", elapsed)
		return fmt.Errorf("barrier: %w", err)
	default:
		p.metrics.RecordBarrier(ctx, "error", elapsed)
		log.Warn().Err(err).Str("node", p.topo.Name(node)).Msg("Barrier failed, installing anyway")
		return nil
	}
}
