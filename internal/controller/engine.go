package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/controller/flowplan"
	"github.com/yuuki/pathflip/internal/controller/provision"
	"github.com/yuuki/pathflip/internal/controller/registry"
	"github.com/yuuki/pathflip/internal/eventlog"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/southbound"
	"github.com/yuuki/pathflip/internal/state"
	"github.com/yuuki/pathflip/internal/telemetry"
	"github.com/yuuki/pathflip/internal/topology"
	"go.uber.org/multierr"
)

var (
	// ErrNotReady is matched by errors.Is when not every node is connected
	ErrNotReady = errors.New("not all switches are connected")
	// ErrTopologyIncomplete means some required link is still undiscovered
	ErrTopologyIncomplete = errors.New("not all links in the topology are known")
	// ErrDeviceAbsent is returned when a node has no connected device
	ErrDeviceAbsent = provision.ErrDeviceAbsent
)

// NotReadyError carries the connectivity snapshot taken when a toggle was refused
type NotReadyError struct {
	Nodes []state.NodeStatus
}

func (e *NotReadyError) Error() string {
	parts := make([]string, 0, len(e.Nodes))
	for _, n := range e.Nodes {
		parts = append(parts, fmt.Sprintf("%s=%t", n.Name, n.Connected))
	}
	return fmt.Sprintf("%s: {%s}", ErrNotReady, strings.Join(parts, ", "))
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// EdgeFeed supplies the links seen by discovery
type EdgeFeed interface {
	DiscoveredEdges() map[topology.DPID][]topology.Link
}

// ToggleResult describes a successful toggle
type ToggleResult struct {
	// Provisioned is set when some node had flows installed by this toggle
	Provisioned bool
	// Live is the path made live
	Live topology.Path
}

// ResetResult is the outcome of resetting one node
type ResetResult struct {
	Node topology.DPID
	Name string
	Err  error
}

// Status is a point-in-time view of the controller. ActivePath is the path
// the next toggle makes live; LivePath is empty until the first toggle
type Status struct {
	Ready      bool               `json:"ready"`
	ActivePath string             `json:"active_path"`
	LivePath   string             `json:"live_path,omitempty"`
	LinksKnown bool               `json:"links_known"`
	Nodes      []state.NodeStatus `json:"nodes"`
	Links      []topology.Link    `json:"links"`
}

// Engine owns the controller state and serializes toggles, resets and
// connectivity changes against each other
type Engine struct {
	mu sync.Mutex

	topo    topology.Topology
	devices provision.DeviceSource
	feed    EdgeFeed
	links   *registry.LinkRegistry
	state   *state.ControllerState
	prov    *provision.Provisioner
	metrics *telemetry.Metrics
	events  eventlog.Sink

	// onReady is called with the readiness gate after every connectivity change
	onReady func(bool)
}

// EngineConfig holds the Engine collaborators. Nil Metrics and Events
// default to no-ops and a zero BarrierTimeout to the provisioner default
type EngineConfig struct {
	Topology       topology.Topology
	Devices        provision.DeviceSource
	Feed           EdgeFeed
	BarrierTimeout time.Duration
	Metrics        *telemetry.Metrics
	Events         eventlog.Sink
	OnReady        func(bool)
}

// NewEngine creates an engine with every node unconnected, every link
// unknown and path A selected
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.Discard
	}
	e := &Engine{
		topo:    cfg.Topology,
		devices: cfg.Devices,
		feed:    cfg.Feed,
		links:   registry.NewLinkRegistry(cfg.Topology),
		state:   state.NewControllerState(cfg.Topology),
		metrics: cfg.Metrics,
		events:  cfg.Events,
		onReady: cfg.OnReady,
	}
	opts := []provision.Option{
		provision.WithMetrics(cfg.Metrics),
		provision.WithEvents(cfg.Events),
		provision.WithBarrierTimeout(cfg.BarrierTimeout),
	}
	e.prov = provision.New(cfg.Topology, cfg.Devices, e.links, e.state, opts...)
	return e
}

// OnDeviceUp marks a tracked node connected and re-enables all of its ports
func (e *Engine) OnDeviceUp(id topology.DPID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.MarkConnected(id) {
		log.Debug().Str("dpid", id.String()).Msg("Ignoring untracked switch")
		return
	}
	name := e.topo.Name(id)
	log.Info().Str("node", name).Str("dpid", id.String()).Bool("ready", e.state.IsReady()).Msg("Switch connected")
	e.metrics.RecordDeviceEvent(context.Background(), "up")
	e.events.Record(eventlog.Event{Kind: eventlog.KindDeviceUp, Node: name, Result: eventlog.ResultSuccess})

	// Clear admin-down state left by a previous run
	if err := e.resetPortsLocked(id); err != nil {
		log.Warn().Err(err).Str("node", name).Msg("Failed to reset ports on connect")
	}
	e.notifyReady()
}

// OnDeviceDown marks a tracked node disconnected and forgets its links and flows
func (e *Engine) OnDeviceDown(id topology.DPID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.MarkDisconnected(id) {
		return
	}
	e.links.ClearLinksFor(id)

	name := e.topo.Name(id)
	log.Warn().Str("node", name).Str("dpid", id.String()).Msg("Switch disconnected")
	e.metrics.RecordDeviceEvent(context.Background(), "down")
	e.events.Record(eventlog.Event{Kind: eventlog.KindDeviceDown, Node: name, Result: eventlog.ResultSuccess})
	e.notifyReady()
}

func (e *Engine) notifyReady() {
	if e.onReady != nil {
		e.onReady(e.state.IsReady())
	}
}

// Toggle provisions any node lacking flows and makes the selected path live:
// its uplinks on ingress and egress go admin-up and the other path's go
// admin-down, then the selector moves to the other path. Gate failures return
// before any device write
func (e *Engine) Toggle(ctx context.Context) (ToggleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.toggleLocked(ctx)
	outcome := eventlog.ResultSuccess
	if err != nil {
		outcome = eventlog.ResultFailure
		log.Error().Err(err).Msg("Toggle failed")
		e.events.Record(eventlog.Event{Kind: eventlog.KindToggle, Node: "all", Result: outcome, Detail: err.Error()})
	} else {
		log.Info().Str("live", res.Live.String()).Bool("provisioned", res.Provisioned).Msg("Toggled path")
		e.events.Record(eventlog.Event{
			Kind:   eventlog.KindToggle,
			Node:   "all",
			Result: outcome,
			Detail: fmt.Sprintf("path %s live", res.Live),
		})
	}
	e.metrics.RecordToggle(ctx, outcome, res.Live.String())
	return res, err
}

type portChange struct {
	node string
	dev  southbound.Device
	mod  *ofp.PortMod
}

func (e *Engine) toggleLocked(ctx context.Context) (ToggleResult, error) {
	live := e.state.ActivePath()
	res := ToggleResult{Live: live}

	if !e.state.IsReady() {
		return res, &NotReadyError{Nodes: e.state.Nodes()}
	}
	if n := e.links.RecordObservedEdges(e.feed.DiscoveredEdges()); n > 0 {
		log.Debug().Int("learned", n).Msg("Learned links")
	}
	if !e.links.AllLinksKnown() {
		return res, ErrTopologyIncomplete
	}

	provisioned, err := e.prov.ProvisionAll(ctx)
	res.Provisioned = provisioned
	if err != nil {
		return res, err
	}

	// Compose every port-mod first so a missing port flips nothing
	var changes []portChange
	for _, node := range e.topo.EdgeNodes() {
		c, err := e.uplinkChanges(node, live)
		if err != nil {
			return res, err
		}
		changes = append(changes, c...)
	}
	if err := writePortChanges(changes); err != nil {
		return res, err
	}

	e.state.CompleteToggle(live)
	return res, nil
}

// writePortChanges writes every change even after a failure. The selector is
// left alone on error, so repeating the toggle rewrites the same port states
func writePortChanges(changes []portChange) error {
	var errs error
	for _, c := range changes {
		if err := c.dev.Write(c.mod); err != nil {
			log.Error().Err(err).Str("node", c.node).Uint32("port", c.mod.PortNo).Msg("Port change not written")
			errs = multierr.Append(errs, fmt.Errorf("set port %d on %s: %w", c.mod.PortNo, c.node, err))
			continue
		}
		log.Debug().Str("node", c.node).Uint32("port", c.mod.PortNo).Uint32("config", c.mod.Config).Msg("Port change written")
	}
	if errs != nil {
		return fmt.Errorf("uplinks left inconsistent: %w", errs)
	}
	return nil
}

// uplinkChanges returns the live-up then blocked-down port-mods for one edge node
func (e *Engine) uplinkChanges(node topology.DPID, live topology.Path) ([]portChange, error) {
	name := e.topo.Name(node)
	dev, ok := e.devices.Device(node)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDeviceAbsent)
	}
	towardA, towardB, ok := e.links.EdgeUplinks(node)
	if !ok {
		return nil, fmt.Errorf("uplinks of %s: %w", name, ErrTopologyIncomplete)
	}
	up, down := flowplan.PathPorts(live, towardA, towardB)

	var changes []portChange
	for _, pc := range []struct {
		no uint32
		up bool
	}{{up, true}, {down, false}} {
		port, ok := dev.Port(pc.no)
		if !ok {
			return nil, fmt.Errorf("port %d missing on %s", pc.no, name)
		}
		mod, err := flowplan.PortAdmin(port, dev.Version(), pc.up)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		changes = append(changes, portChange{node: name, dev: dev, mod: mod})
	}
	return changes, nil
}

// ResetPorts sets every non-reserved port of node admin-up. Flows and the
// active path are left alone
func (e *Engine) ResetPorts(node topology.DPID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetAndRecord(node)
}

// Reset resets the ports of both edge nodes independently
func (e *Engine) Reset() []ResetResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []ResetResult
	for _, node := range e.topo.EdgeNodes() {
		results = append(results, ResetResult{
			Node: node,
			Name: e.topo.Name(node),
			Err:  e.resetAndRecord(node),
		})
	}
	return results
}

func (e *Engine) resetAndRecord(node topology.DPID) error {
	name := e.topo.Name(node)
	err := e.resetPortsLocked(node)
	outcome := eventlog.ResultSuccess
	detail := ""
	if err != nil {
		outcome = eventlog.ResultFailure
		detail = err.Error()
		log.Error().Err(err).Str("node", name).Msg("Port reset failed")
	} else {
		log.Info().Str("node", name).Msg("Reset ports to enabled/up")
	}
	e.metrics.RecordReset(context.Background(), name, outcome)
	e.events.Record(eventlog.Event{Kind: eventlog.KindReset, Node: name, Result: outcome, Detail: detail})
	return err
}

func (e *Engine) resetPortsLocked(node topology.DPID) error {
	dev, ok := e.devices.Device(node)
	if !ok {
		return fmt.Errorf("%s: %w", e.topo.Name(node), ErrDeviceAbsent)
	}
	var errs error
	for _, p := range dev.Ports() {
		if p.IsReserved() {
			continue
		}
		mod, err := flowplan.PortAdmin(p, dev.Version(), true)
		if err != nil {
			return fmt.Errorf("%s: %w", e.topo.Name(node), err)
		}
		if err := dev.Write(mod); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("port %d: %w", p.No, err))
		}
	}
	return errs
}

// Status returns a snapshot without waiting for a running toggle
func (e *Engine) Status() Status {
	st := Status{
		Ready:      e.state.IsReady(),
		ActivePath: e.state.ActivePath().String(),
		LinksKnown: e.links.AllLinksKnown(),
		Nodes:      e.state.Nodes(),
		Links:      e.links.Links(),
	}
	if live, ok := e.state.LivePath(); ok {
		st.LivePath = live.String()
	}
	return st
}
