package southbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/ofp"
	"github.com/yuuki/pathflip/internal/topology"
	"go.uber.org/ratelimit"
)

// ErrClosed is returned by operations on a switch whose connection has ended
var ErrClosed = errors.New("switch connection closed")

const writeTimeout = 5 * time.Second

// Device is a connected switch as seen by the rest of the controller
type Device interface {
	ID() topology.DPID
	// Version is the negotiated wire protocol version
	Version() uint8
	// Ports returns the current port list ordered by port number
	Ports() []ofp.Port
	Port(no uint32) (ofp.Port, bool)
	// Write sends a message without waiting for it to take effect
	Write(msg ofp.Message) error
	// Barrier blocks until the switch confirms every earlier message, ctx ends,
	// or the connection closes
	Barrier(ctx context.Context) error
}

// Switch is one OpenFlow session
type Switch struct {
	conn    net.Conn
	id      topology.DPID
	version uint8
	limiter ratelimit.Limiter
	xid     atomic.Uint32

	writeMu sync.Mutex

	portsMu sync.RWMutex
	ports   map[uint32]ofp.Port

	// Outstanding barriers keyed by xid
	pendingMu sync.Mutex
	pending   map[uint32]chan error

	closed    chan struct{}
	closeOnce sync.Once
}

func newSwitch(conn net.Conn, writeRate int) *Switch {
	limiter := ratelimit.NewUnlimited()
	if writeRate > 0 {
		limiter = ratelimit.New(writeRate)
	}
	return &Switch{
		conn:    conn,
		limiter: limiter,
		ports:   make(map[uint32]ofp.Port),
		pending: make(map[uint32]chan error),
		closed:  make(chan struct{}),
	}
}

// ID returns the datapath id
func (sw *Switch) ID() topology.DPID {
	return sw.id
}

// Version returns the negotiated protocol version
func (sw *Switch) Version() uint8 {
	return sw.version
}

// Ports returns a snapshot of the port table
func (sw *Switch) Ports() []ofp.Port {
	sw.portsMu.RLock()
	defer sw.portsMu.RUnlock()
	ports := make([]ofp.Port, 0, len(sw.ports))
	for _, p := range sw.ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].No < ports[j].No })
	return ports
}

// Port looks up a single port
func (sw *Switch) Port(no uint32) (ofp.Port, bool) {
	sw.portsMu.RLock()
	defer sw.portsMu.RUnlock()
	p, ok := sw.ports[no]
	return p, ok
}

func (sw *Switch) setPorts(ports []ofp.Port) {
	sw.portsMu.Lock()
	defer sw.portsMu.Unlock()
	for _, p := range ports {
		sw.ports[p.No] = p
	}
}

func (sw *Switch) updatePort(ps *ofp.PortStatus) {
	sw.portsMu.Lock()
	defer sw.portsMu.Unlock()
	switch ps.Reason {
	case ofp.PortReasonDelete:
		delete(sw.ports, ps.Port.No)
	default:
		sw.ports[ps.Port.No] = ps.Port
	}
}

func (sw *Switch) nextXid() uint32 {
	return sw.xid.Add(1)
}

// Write sends msg with a fresh transaction id
func (sw *Switch) Write(msg ofp.Message) error {
	return sw.send(sw.nextXid(), msg)
}

func (sw *Switch) send(xid uint32, msg ofp.Message) error {
	select {
	case <-sw.closed:
		return ErrClosed
	default:
	}

	sw.limiter.Take()

	sw.writeMu.Lock()
	defer sw.writeMu.Unlock()
	if err := sw.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := sw.conn.Write(ofp.Marshal(xid, msg)); err != nil {
		return fmt.Errorf("write %s to %s: %w", msg.Type(), sw.id, err)
	}
	return nil
}

// Barrier sends a barrier request and waits for the matching reply
func (sw *Switch) Barrier(ctx context.Context) error {
	xid := sw.nextXid()
	ch := make(chan error, 1)

	sw.pendingMu.Lock()
	sw.pending[xid] = ch
	sw.pendingMu.Unlock()
	defer func() {
		sw.pendingMu.Lock()
		delete(sw.pending, xid)
		sw.pendingMu.Unlock()
	}()

	if err := sw.send(xid, &ofp.BarrierRequest{}); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sw.closed:
		return ErrClosed
	}
}

// resolve completes a pending barrier. It reports whether xid was pending
func (sw *Switch) resolve(xid uint32, err error) bool {
	sw.pendingMu.Lock()
	ch, ok := sw.pending[xid]
	delete(sw.pending, xid)
	sw.pendingMu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

// Close ends the session. Waiting barriers return ErrClosed
func (sw *Switch) Close() error {
	var err error
	sw.closeOnce.Do(func() {
		close(sw.closed)
		err = sw.conn.Close()
	})
	return err
}

// Done is closed when the session ends
func (sw *Switch) Done() <-chan struct{} {
	return sw.closed
}

// readLoop handles switch-initiated messages until the connection fails
func (sw *Switch) readLoop(echoInterval time.Duration, handlers []PacketInHandler) error {
	for {
		if echoInterval > 0 {
			if err := sw.conn.SetReadDeadline(time.Now().Add(3 * echoInterval)); err != nil {
				return err
			}
		}
		h, body, err := ofp.ReadMessage(sw.conn)
		if err != nil {
			return err
		}
		msg, err := ofp.Unmarshal(h, body)
		if err != nil {
			log.Warn().Err(err).Str("dpid", sw.id.String()).Msg("Dropping undecodable message")
			continue
		}
		sw.dispatch(h, msg, handlers)
	}
}

func (sw *Switch) dispatch(h ofp.Header, msg ofp.Message, handlers []PacketInHandler) {
	switch m := msg.(type) {
	case *ofp.EchoRequest:
		if err := sw.send(h.Xid, &ofp.EchoReply{Data: m.Data}); err != nil {
			log.Warn().Err(err).Str("dpid", sw.id.String()).Msg("Failed to answer echo request")
		}
	case *ofp.EchoReply:
	case *ofp.BarrierReply:
		if !sw.resolve(h.Xid, nil) {
			log.Debug().Str("dpid", sw.id.String()).Uint32("xid", h.Xid).Msg("Late barrier reply")
		}
	case *ofp.Error:
		if sw.resolve(h.Xid, m) {
			return
		}
		log.Warn().
			Str("dpid", sw.id.String()).
			Uint32("xid", h.Xid).
			Uint16("type", m.ErrType).
			Uint16("code", m.Code).
			Msg("Switch reported an error")
	case *ofp.PortStatus:
		sw.updatePort(m)
		log.Debug().
			Str("dpid", sw.id.String()).
			Uint32("port", m.Port.No).
			Uint8("reason", m.Reason).
			Bool("linkDown", m.Port.LinkDown()).
			Msg("Port status")
	case *ofp.PacketIn:
		for _, handler := range handlers {
			handler.HandlePacketIn(sw, m)
		}
	default:
		log.Debug().Str("dpid", sw.id.String()).Str("type", h.Type.String()).Msg("Ignoring message")
	}
}

// echoLoop probes the switch so a silent peer trips the read deadline
func (sw *Switch) echoLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sw.closed:
			return
		case <-ticker.C:
			if err := sw.Write(&ofp.EchoRequest{}); err != nil {
				log.Debug().Err(err).Str("dpid", sw.id.String()).Msg("Echo request failed")
				return
			}
		}
	}
}
