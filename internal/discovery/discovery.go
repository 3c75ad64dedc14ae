// Package discovery learns inter-switch links by flooding LLDP probes out of
// every switch port and catching them on the neighbouring switch
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/southbound"
	"github.com/yuuki/pathflip/internal/topology"
)

const (
	// PuntCookie tags the flow that sends LLDP frames to the controller
	PuntCookie uint64 = 0x4c4c4450

	puntPriority uint16 = 0xfff0
)

var lldpMulticast = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

// DeviceSource is the registry of connected switches
type DeviceSource interface {
	Device(id topology.DPID) (southbound.Device, bool)
	Devices() []southbound.Device
}

// A link is identified by its sending port
type edgeKey struct {
	src     topology.DPID
	srcPort uint32
}

// Discovery is the topology feed. Learned links expire after three probe
// intervals without a fresh sighting
type Discovery struct {
	devices  DeviceSource
	interval time.Duration
	edges    *ttlcache.Cache[edgeKey, topology.Link]
}

// New creates a discovery service probing every interval
func New(devices DeviceSource, interval time.Duration) *Discovery {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Discovery{
		devices:  devices,
		interval: interval,
		edges: ttlcache.New[edgeKey, topology.Link](
			ttlcache.WithTTL[edgeKey, topology.Link](3 * interval),
		),
	}
}

// Run probes all connected switches until ctx ends
func (d *Discovery) Run(ctx context.Context) error {
	go d.edges.Start()
	defer d.edges.Stop()

	log.Info().Dur("interval", d.interval).Msg("Starting link discovery")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, dev := range d.devices.Devices() {
				d.probe(dev)
			}
		}
	}
}

// OnDeviceUp installs the LLDP punt flow and probes the new switch right away
func (d *Discovery) OnDeviceUp(id topology.DPID) {
	dev, ok := d.devices.Device(id)
	if !ok {
		return
	}
	punt := &ofp.FlowMod{
		Cookie:     PuntCookie,
		CookieMask: ^uint64(0),
		Command:    ofp.FlowAdd,
		Priority:   puntPriority,
		BufferID:   ofp.NoBuffer,
		OutPort:    ofp.PortAny,
		OutGroup:   ofp.GroupAny,
		Match:      ofp.Match{EthType: uint16(layers.EthernetTypeLinkLayerDiscovery)},
		Instructions: []ofp.Instruction{
			ofp.ApplyActions{Actions: []ofp.Action{ofp.Output(ofp.PortController)}},
		},
	}
	if err := dev.Write(punt); err != nil {
		log.Error().Err(err).Str("dpid", id.String()).Msg("Failed to install LLDP punt flow")
		return
	}
	d.probe(dev)
}

// OnDeviceDown forgets every link touching the switch
func (d *Discovery) OnDeviceDown(id topology.DPID) {
	var stale []edgeKey
	d.edges.Range(func(item *ttlcache.Item[edgeKey, topology.Link]) bool {
		if item.Value().Touches(id) {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, k := range stale {
		d.edges.Delete(k)
	}
}

// DiscoveredEdges returns the live links, each listed under both of its endpoints
func (d *Discovery) DiscoveredEdges() map[topology.DPID][]topology.Link {
	out := make(map[topology.DPID][]topology.Link)
	d.edges.Range(func(item *ttlcache.Item[edgeKey, topology.Link]) bool {
		if item.IsExpired() {
			return true
		}
		l := item.Value()
		out[l.Src] = append(out[l.Src], l)
		if l.Dst != l.Src {
			out[l.Dst] = append(out[l.Dst], l)
		}
		return true
	})
	return out
}

// HandlePacketIn records the link an LLDP probe travelled over
func (d *Discovery) HandlePacketIn(dev southbound.Device, pin *ofp.PacketIn) {
	src, srcPort, ok := parseProbe(pin.Data)
	if !ok {
		return
	}
	link := topology.Link{
		Src:     src,
		SrcPort: srcPort,
		Dst:     dev.ID(),
		DstPort: pin.Match.InPort,
	}
	d.edges.Set(edgeKey{src: src, srcPort: srcPort}, link, ttlcache.DefaultTTL)
	log.Debug().Str("link", link.String()).Msg("Observed link")
}

func (d *Discovery) probe(dev southbound.Device) {
	for _, p := range dev.Ports() {
		if p.IsReserved() || p.LinkDown() || p.AdminDown() {
			continue
		}
		frame, err := buildProbe(dev.ID(), p, 3*d.interval)
		if err != nil {
			log.Error().Err(err).Str("dpid", dev.ID().String()).Uint32("port", p.No).Msg("Failed to build LLDP probe")
			continue
		}
		out := &ofp.PacketOut{
			BufferID: ofp.NoBuffer,
			InPort:   ofp.PortController,
			Actions:  []ofp.Action{ofp.Output(p.No)},
			Data:     frame,
		}
		if err := dev.Write(out); err != nil {
			log.Debug().Err(err).Str("dpid", dev.ID().String()).Uint32("port", p.No).Msg("Failed to send LLDP probe")
			return
		}
	}
}

// buildProbe encodes an LLDP frame whose chassis id is the datapath id and
// whose port id is the OpenFlow port number
func buildProbe(dpid topology.DPID, port ofp.Port, ttl time.Duration) ([]byte, error) {
	src := net.HardwareAddr{0, 0, 0, 0, 0, 0}
	if len(port.HwAddr) == 6 {
		src = port.HwAddr
	}
	chassis := make([]byte, 8)
	binary.BigEndian.PutUint64(chassis, uint64(dpid))
	portID := make([]byte, 4)
	binary.BigEndian.PutUint32(portID, port.No)

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       lldpMulticast,
		EthernetType: layers.EthernetTypeLinkLayerDiscovery,
	}
	lldp := &layers.LinkLayerDiscovery{
		ChassisID: layers.LLDPChassisID{Subtype: layers.LLDPChassisIDSubTypeLocal, ID: chassis},
		PortID:    layers.LLDPPortID{Subtype: layers.LLDPPortIDSubtypeLocal, ID: portID},
		TTL:       uint16(ttl.Seconds()) + 1,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, lldp); err != nil {
		return nil, fmt.Errorf("serialize lldp: %w", err)
	}
	return buf.Bytes(), nil
}

// parseProbe extracts the sender of a probe built by buildProbe
func parseProbe(frame []byte) (topology.DPID, uint32, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	lldp, ok := pkt.Layer(layers.LayerTypeLinkLayerDiscovery).(*layers.LinkLayerDiscovery)
	if !ok {
		return 0, 0, false
	}
	if lldp.ChassisID.Subtype != layers.LLDPChassisIDSubTypeLocal || len(lldp.ChassisID.ID) != 8 {
		return 0, 0, false
	}
	if lldp.PortID.Subtype != layers.LLDPPortIDSubtypeLocal || len(lldp.PortID.ID) != 4 {
		return 0, 0, false
	}
	return topology.DPID(binary.BigEndian.Uint64(lldp.ChassisID.ID)),
		binary.BigEndian.Uint32(lldp.PortID.ID),
		true
}
