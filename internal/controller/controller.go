package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/config"
	"github.com/yuuki/pathflip/internal/discovery"
	"github.com/yuuki/pathflip/internal/eventlog"
	"github.com/yuuki/pathflip/internal/southbound"
	"github.com/yuuki/pathflip/internal/telemetry"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

// Controller wires the switch server, discovery, the engine and the
// northbound servers together
type Controller struct {
	config    *config.ControllerConfig
	switches  *southbound.Server
	discovery *discovery.Discovery
	engine    *Engine
	service   *Service
	readiness *readiness
	metrics   *telemetry.Metrics
	events    *eventlog.Log
}

// New creates a new controller instance
func New(ctx context.Context, cfg *config.ControllerConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	metrics := telemetry.NewNoopMetrics()
	if cfg.MetricsEnabled {
		m, err := telemetry.NewMetrics(ctx, cfg.InstanceID, cfg.OtelCollectorAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}

	var (
		events *eventlog.Log
		sink   = eventlog.Discard
	)
	if cfg.EventLogURI != "" {
		l, err := eventlog.Open(cfg.EventLogURI, cfg.EventLogFlushInterval())
		if err != nil {
			_ = metrics.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		events, sink = l, l
	}

	c := &Controller{
		config:    cfg,
		readiness: newReadiness(),
		metrics:   metrics,
		events:    events,
	}

	c.switches = southbound.NewServer(southbound.Config{
		ListenAddr:       cfg.ListenAddr,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		EchoInterval:     cfg.EchoInterval(),
		WriteRate:        cfg.DeviceWriteRate,
	})
	c.discovery = discovery.New(c.switches, cfg.LLDPInterval())
	c.engine = NewEngine(EngineConfig{
		Topology:       cfg.Topology,
		Devices:        c.switches,
		Feed:           c.discovery,
		BarrierTimeout: cfg.BarrierTimeout(),
		Metrics:        metrics,
		Events:         sink,
		OnReady:        c.readiness.set,
	})
	c.service = NewService(c.engine, cfg.Topology)

	// Ports are re-enabled before discovery probes them
	c.switches.Subscribe(c.engine)
	c.switches.Subscribe(c.discovery)
	c.switches.HandlePacketIn(c.discovery)

	return c, nil
}

// Engine returns the path toggle engine
func (c *Controller) Engine() *Engine {
	return c.engine
}

// Run listens on the configured addresses and serves until ctx ends
func (c *Controller) Run(ctx context.Context) error {
	var listeners []net.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}
	listen := func(addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		return ln, nil
	}

	ofLn, err := listen(c.config.ListenAddr)
	if err != nil {
		return err
	}
	apiLn, err := listen(c.config.APIAddr)
	if err != nil {
		return err
	}
	var healthLn net.Listener
	if c.config.HealthAddr != "" {
		if healthLn, err = listen(c.config.HealthAddr); err != nil {
			return err
		}
	}
	return c.Serve(ctx, ofLn, apiLn, healthLn)
}

// Serve runs every component on the given listeners until ctx ends or one
// of them fails. A nil healthLn disables the health service
func (c *Controller) Serve(ctx context.Context, ofLn, apiLn, healthLn net.Listener) error {
	defer func() {
		if c.events != nil {
			c.events.Close()
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.metrics.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down metrics")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if c.events != nil {
		c.events.Start(ctx)
	}

	log.Info().Str("addr", ofLn.Addr().String()).Msg("Accepting OpenFlow switches")
	g.Go(func() error {
		return c.switches.Serve(ctx, ofLn)
	})

	g.Go(func() error {
		return c.discovery.Run(ctx)
	})

	api := &http.Server{
		Handler:           c.service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", apiLn.Addr().String()).Int("maxConns", c.config.APIMaxConns).Msg("Starting control API")
	g.Go(func() error {
		err := api.Serve(netutil.LimitListener(apiLn, c.config.APIMaxConns))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(sctx)
	})

	if healthLn != nil {
		server := grpc.NewServer()
		healthpb.RegisterHealthServer(server, c.readiness.server)
		log.Info().Str("addr", healthLn.Addr().String()).Msg("Starting gRPC health server")
		g.Go(func() error {
			if err := server.Serve(healthLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serving health: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			c.readiness.server.Shutdown()
			server.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	log.Info().Msg("Controller stopped")
	return err
}

// RunWithSignals runs the controller until SIGINT or SIGTERM
func (c *Controller) RunWithSignals() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return c.Run(ctx)
}
