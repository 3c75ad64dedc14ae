// Package flowplan builds the flow entries and failover group each node
// needs. Nothing here talks to a switch
package flowplan

import (
	"fmt"

	"github.com/gopacket/gopacket/layers"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/topology"
)

const (
	// Cookie tags every flow this controller installs for forwarding
	Cookie uint64 = 0x11223344
	// CookieMask makes deletes match Cookie exactly
	CookieMask uint64 = 0xffffffffffffffff

	// GroupID is the fast-failover group on the edge nodes
	GroupID uint32 = 1

	Priority uint16 = 0x7fff
)

// Forwarded ethertypes
var etherTypes = []uint16{
	uint16(layers.EthernetTypeARP),
	uint16(layers.EthernetTypeIPv4),
}

// HostPortError reports that an edge node does not have exactly one port
// left over once its uplinks and reserved ports are excluded
type HostPortError struct {
	Node       topology.DPID
	Candidates []uint32
}

func (e *HostPortError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no host port on %s", e.Node)
	}
	return fmt.Sprintf("ambiguous host port on %s: candidates %v", e.Node, e.Candidates)
}

// HostPort picks the single port on node that is neither an uplink nor reserved
func HostPort(node topology.DPID, ports []ofp.Port, uplinks ...uint32) (uint32, error) {
	var candidates []uint32
	for _, p := range ports {
		if p.IsReserved() || contains(uplinks, p.No) {
			continue
		}
		candidates = append(candidates, p.No)
	}
	if len(candidates) != 1 {
		return 0, &HostPortError{Node: node, Candidates: candidates}
	}
	return candidates[0], nil
}

func contains(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// DeleteFlows removes every flow tagged with Cookie from all tables
func DeleteFlows() *ofp.FlowMod {
	return &ofp.FlowMod{
		Cookie:     Cookie,
		CookieMask: CookieMask,
		TableID:    ofp.TableAll,
		Command:    ofp.FlowDelete,
		BufferID:   ofp.NoBuffer,
		OutPort:    ofp.PortAny,
		OutGroup:   ofp.GroupAny,
	}
}

// DeleteGroup removes the failover group
func DeleteGroup() *ofp.GroupMod {
	return &ofp.GroupMod{
		Command:   ofp.GroupDelete,
		GroupType: ofp.GroupTypeFastFailover,
		GroupID:   GroupID,
	}
}

// FailoverGroup builds the fast-failover group: the path A uplink is
// preferred and each bucket is live while its own output port is
func FailoverGroup(towardA, towardB uint32) *ofp.GroupMod {
	bucket := func(port uint32) ofp.Bucket {
		return ofp.Bucket{
			WatchPort:  port,
			WatchGroup: ofp.GroupAny,
			Actions:    []ofp.Action{ofp.Output(port)},
		}
	}
	return &ofp.GroupMod{
		Command:   ofp.GroupAdd,
		GroupType: ofp.GroupTypeFastFailover,
		GroupID:   GroupID,
		Buckets:   []ofp.Bucket{bucket(towardA), bucket(towardB)},
	}
}

// MiddleFlows cross-connects a transit node's two ports in both directions
func MiddleFlows(toIngress, toEgress uint32) []*ofp.FlowMod {
	var flows []*ofp.FlowMod
	for _, et := range etherTypes {
		flows = append(flows,
			flow(toIngress, et, ofp.Output(toEgress)),
			flow(toEgress, et, ofp.Output(toIngress)),
		)
	}
	return flows
}

// EdgeFlows sends host traffic into the failover group and traffic arriving
// on either uplink to the host
func EdgeFlows(host, towardA, towardB uint32) []*ofp.FlowMod {
	var flows []*ofp.FlowMod
	for _, et := range etherTypes {
		flows = append(flows, flow(host, et, ofp.ActionGroup{GroupID: GroupID}))
	}
	for _, uplink := range []uint32{towardA, towardB} {
		for _, et := range etherTypes {
			flows = append(flows, flow(uplink, et, ofp.Output(host)))
		}
	}
	return flows
}

func flow(inPort uint32, ethType uint16, action ofp.Action) *ofp.FlowMod {
	return &ofp.FlowMod{
		Cookie:   Cookie,
		Command:  ofp.FlowAdd,
		Priority: Priority,
		BufferID: ofp.NoBuffer,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Match:    ofp.Match{InPort: inPort, EthType: ethType},
		Instructions: []ofp.Instruction{
			ofp.ApplyActions{Actions: []ofp.Action{action}},
		},
	}
}

// PortAdmin builds a port-mod that sets only the admin-down bit of port,
// keeping its hardware address
func PortAdmin(port ofp.Port, version uint8, up bool) (*ofp.PortMod, error) {
	down, err := ofp.PortDownBit(version)
	if err != nil {
		return nil, err
	}
	var config uint32
	if !up {
		config = down
	}
	return &ofp.PortMod{
		PortNo: port.No,
		HwAddr: port.HwAddr,
		Config: config,
		Mask:   down,
	}, nil
}

// PathPorts orders an edge node's uplinks as (live, blocked) for the given path
func PathPorts(p topology.Path, towardA, towardB uint32) (live, blocked uint32) {
	if p == topology.PathA {
		return towardA, towardB
	}
	return towardB, towardA
}
