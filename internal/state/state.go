package state

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/topology"
)

// ControllerState holds per-node connectivity and provisioning flags plus the
// active path selector. Everything starts unconnected with path A selected
// and no path made live yet
type ControllerState struct {
	topo           topology.Topology
	connected      map[topology.DPID]bool
	flowsInstalled map[topology.DPID]bool
	ready          bool
	activePath     topology.Path
	livePath       topology.Path
	toggled        bool
	mutex          sync.RWMutex
}

// NodeStatus is a point-in-time view of one node
type NodeStatus struct {
	DPID           string `json:"dpid"`
	Name           string `json:"name"`
	Connected      bool   `json:"connected"`
	FlowsInstalled bool   `json:"flows_installed"`
}

// NewControllerState creates the state for topo
func NewControllerState(topo topology.Topology) *ControllerState {
	s := &ControllerState{
		topo:           topo,
		connected:      make(map[topology.DPID]bool),
		flowsInstalled: make(map[topology.DPID]bool),
		activePath:     topology.PathA,
	}
	for _, n := range topo.Nodes() {
		s.connected[n] = false
		s.flowsInstalled[n] = false
	}
	return s
}

// MarkConnected sets the node connected and recomputes the readiness gate.
// Untracked nodes are ignored
func (s *ControllerState) MarkConnected(id topology.DPID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.connected[id]; !ok {
		return false
	}
	s.connected[id] = true
	s.ready = true
	for _, c := range s.connected {
		if !c {
			s.ready = false
			break
		}
	}
	log.Debug().Str("dpid", id.String()).Bool("ready", s.ready).Msg("Node connected")
	return true
}

// MarkDisconnected clears the node's connectivity and provisioning flags and
// closes the readiness gate
func (s *ControllerState) MarkDisconnected(id topology.DPID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.connected[id]; !ok {
		return false
	}
	s.connected[id] = false
	s.flowsInstalled[id] = false
	s.ready = false
	return true
}

// IsConnected reports whether the node is connected
func (s *ControllerState) IsConnected(id topology.DPID) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected[id]
}

// IsReady reports whether all tracked nodes are connected
func (s *ControllerState) IsReady() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ready
}

// FlowsInstalled reports whether the node was provisioned since it last connected
func (s *ControllerState) FlowsInstalled(id topology.DPID) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.flowsInstalled[id]
}

// SetFlowsInstalled records a completed provisioning of a connected node
func (s *ControllerState) SetFlowsInstalled(id topology.DPID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.connected[id] {
		s.flowsInstalled[id] = true
	}
}

// ActivePath returns the selector: the path the next toggle makes live
func (s *ControllerState) ActivePath() topology.Path {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.activePath
}

// SetActivePath overrides the selector
func (s *ControllerState) SetActivePath(p topology.Path) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.activePath = p
}

// CompleteToggle records that live was just made live and advances the
// selector to the other path
func (s *ControllerState) CompleteToggle(live topology.Path) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.livePath = live
	s.toggled = true
	s.activePath = live.Other()
	log.Debug().Str("live", live.String()).Str("next", s.activePath.String()).Msg("Path selector advanced")
}

// LivePath returns the path made live by the last successful toggle; ok is
// false until the first one
func (s *ControllerState) LivePath() (topology.Path, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.livePath, s.toggled
}

// Nodes returns a snapshot of every tracked node in topology order
func (s *ControllerState) Nodes() []NodeStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	nodes := make([]NodeStatus, 0, len(s.connected))
	for _, n := range s.topo.Nodes() {
		nodes = append(nodes, NodeStatus{
			DPID:           n.String(),
			Name:           s.topo.Name(n),
			Connected:      s.connected[n],
			FlowsInstalled: s.flowsInstalled[n],
		})
	}
	return nodes
}
