package southbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/topology"
)

// Listener receives switch connect and disconnect events
type Listener interface {
	OnDeviceUp(id topology.DPID)
	OnDeviceDown(id topology.DPID)
}

// PacketInHandler receives packets punted to the controller
type PacketInHandler interface {
	HandlePacketIn(dev Device, pin *ofp.PacketIn)
}

// Config holds the switch server settings
type Config struct {
	ListenAddr       string
	HandshakeTimeout time.Duration
	// EchoInterval of zero disables keepalives and read deadlines
	EchoInterval time.Duration
	// WriteRate caps messages per second per switch. Zero means unlimited
	WriteRate int
}

// Server accepts OpenFlow switch connections and keeps the registry of
// connected devices
type Server struct {
	cfg Config

	mu       sync.RWMutex
	switches map[topology.DPID]*Switch

	// Set up before Serve and read-only afterwards
	listeners []Listener
	handlers  []PacketInHandler

	conns sync.WaitGroup
}

// NewServer creates a switch server
func NewServer(cfg Config) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		switches: make(map[topology.DPID]*Switch),
	}
}

// Subscribe registers a listener. Listeners are notified in registration order
func (s *Server) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// HandlePacketIn registers a packet-in handler
func (s *Server) HandlePacketIn(h PacketInHandler) {
	s.handlers = append(s.handlers, h)
}

// Device returns the connected switch with the given datapath id
func (s *Server) Device(id topology.DPID) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.switches[id]
	if !ok {
		return nil, false
	}
	return sw, true
}

// Devices returns every connected switch ordered by datapath id
func (s *Server) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]Device, 0, len(s.switches))
	for _, sw := range s.switches {
		devices = append(devices, sw)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })
	return devices
}

// ListenAndServe listens on the configured address and serves until ctx ends
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting OpenFlow server")
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. It closes every session
// before returning
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	defer func() {
		s.closeAll()
		s.conns.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Switch session ended")
			}
		}()
	}
}

// ServeConn runs one switch session on conn until it fails or ctx ends
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	sw, err := s.handshake(conn)
	if err != nil {
		conn.Close()
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Switch handshake failed")
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			sw.Close()
		case <-sw.closed:
		}
	}()
	if s.cfg.EchoInterval > 0 {
		go sw.echoLoop(s.cfg.EchoInterval)
	}

	s.register(sw)
	err = sw.readLoop(s.cfg.EchoInterval, s.handlers)
	select {
	case <-sw.closed:
		// Closed locally: shutdown or replaced by a newer session
		err = nil
	default:
	}
	s.unregister(sw)

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handshake(conn net.Conn) (*Switch, error) {
	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	sw := newSwitch(conn, s.cfg.WriteRate)

	if err := sw.Write(&ofp.Hello{}); err != nil {
		return nil, err
	}
	h, _, err := ofp.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if h.Type != ofp.TypeHello {
		return nil, fmt.Errorf("expected HELLO, got %s", h.Type)
	}
	version, err := ofp.NegotiateVersion(h.Version)
	if err != nil {
		_ = sw.send(h.Xid, &ofp.Error{
			ErrType: ofp.ErrTypeHelloFailed,
			Code:    ofp.ErrCodeHelloIncompatible,
			Data:    []byte("openflow 1.3 or later required"),
		})
		return nil, err
	}
	sw.version = version

	if err := sw.Write(&ofp.FeaturesRequest{}); err != nil {
		return nil, err
	}
	msg, err := sw.await(ofp.TypeFeaturesReply)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	sw.id = topology.DPID(msg.(*ofp.FeaturesReply).DatapathID)

	if err := sw.Write(&ofp.MultipartRequest{MPType: ofp.MultipartPortDesc}); err != nil {
		return nil, err
	}
	for {
		msg, err := sw.await(ofp.TypeMultipartReply)
		if err != nil {
			return nil, fmt.Errorf("port description: %w", err)
		}
		reply, ok := msg.(*ofp.PortDescReply)
		if !ok {
			continue
		}
		sw.setPorts(reply.Ports)
		if !reply.More {
			break
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return sw, nil
}

// await reads until a message of type want arrives, answering echo requests
// on the way
func (sw *Switch) await(want ofp.MessageType) (ofp.Message, error) {
	for {
		h, body, err := ofp.ReadMessage(sw.conn)
		if err != nil {
			return nil, err
		}
		switch h.Type {
		case want:
			return ofp.Unmarshal(h, body)
		case ofp.TypeEchoRequest:
			if err := sw.send(h.Xid, &ofp.EchoReply{Data: body}); err != nil {
				return nil, err
			}
		case ofp.TypeError:
			msg, err := ofp.Unmarshal(h, body)
			if err != nil {
				return nil, err
			}
			return nil, msg.(*ofp.Error)
		}
	}
}

func (s *Server) register(sw *Switch) {
	s.mu.Lock()
	old := s.switches[sw.id]
	s.switches[sw.id] = sw
	s.mu.Unlock()

	if old != nil {
		log.Warn().Str("dpid", sw.id.String()).Msg("Datapath reconnected, replacing previous session")
		old.Close()
		s.notifyDown(sw.id)
	}

	log.Info().
		Str("dpid", sw.id.String()).
		Str("remote", sw.conn.RemoteAddr().String()).
		Int("ports", len(sw.Ports())).
		Msg("Switch connected")
	s.notifyUp(sw.id)
}

func (s *Server) unregister(sw *Switch) {
	sw.Close()

	s.mu.Lock()
	current := s.switches[sw.id] == sw
	if current {
		delete(s.switches, sw.id)
	}
	s.mu.Unlock()

	if current {
		log.Info().Str("dpid", sw.id.String()).Msg("Switch disconnected")
		s.notifyDown(sw.id)
	}
}

func (s *Server) notifyUp(id topology.DPID) {
	for _, l := range s.listeners {
		l.OnDeviceUp(id)
	}
}

func (s *Server) notifyDown(id topology.DPID) {
	for _, l := range s.listeners {
		l.OnDeviceDown(id)
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sw := range s.switches {
		sw.Close()
	}
}
