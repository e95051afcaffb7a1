// Package app wires the Papyris processes: config, logging, infrastructure,
// HTTP routes and the lifecycle of the gateway and the persistence worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"papyris/cmd/internal/auth"
	"papyris/cmd/internal/fanout"
	"papyris/cmd/internal/metrics"
	"papyris/cmd/internal/persist"
	"papyris/cmd/internal/realtime"
)

// Gateway is the realtime gateway process: websocket sessions, the fanout
// listener and, in dev mode, an embedded persistence worker.
type Gateway struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	infra    *backends
	registry *realtime.Registry
	bridge   *fanout.Bridge
	ws       *realtime.Gateway
	worker   *persist.Worker

	wg sync.WaitGroup
}

// NewGateway opens the gateway's infrastructure and wires its components.
func NewGateway(ctx context.Context, cfg Config, log *slog.Logger) (*Gateway, error) {
	return newGateway(ctx, cfg, log, nil)
}

// newGateway lets tests adjust the opened backends before wiring.
func newGateway(ctx context.Context, cfg Config, log *slog.Logger, adjust func(*backends)) (*Gateway, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:         []byte(cfg.JWT.Secret),
		Algorithm:      cfg.JWT.Algorithm,
		MinSecretBytes: cfg.JWT.MinSecretBytes,
		Leeway:         cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	infra, err := openBackends(ctx, cfg, log, roleGateway)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(infra)
	}

	// The group is created from the start of the stream, so entries appended
	// before any worker runs are still consumed.
	ictx, cancel := context.WithTimeout(ctx, nonZeroDuration(cfg.WS.InfraTimeout, 5*time.Second))
	err = infra.ingest.Init(ictx)
	cancel()
	if err != nil {
		infra.close()
		return nil, fmt.Errorf("init ingest log: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		infra:    infra,
		registry: realtime.NewRegistry(),
	}

	if err := g.wire(verifier); err != nil {
		infra.close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) wire(verifier auth.Authenticator) error {
	bridge, err := fanout.NewBridge(g.infra.broker, g.registry, fanout.BridgeOptions{
		Channel: g.cfg.FanoutChannel,
		Logger:  g.log,
		Metrics: g.metrics,
	})
	if err != nil {
		return err
	}
	g.bridge = bridge

	ws, err := realtime.NewGateway(realtime.GatewayConfig{
		OriginRequired:     g.cfg.WS.OriginRequired,
		AllowedOrigins:     g.cfg.WS.AllowedOrigins,
		InsecureSkipVerify: g.cfg.WS.InsecureSkipVerify,
		WriteTimeout:       g.cfg.WS.WriteTimeout,
		ReadIdleTimeout:    g.cfg.WS.ReadIdleTimeout,
		SendQueueSize:      g.cfg.WS.SendQueueSize,
		HeartbeatInterval:  g.cfg.WS.HeartbeatInterval,
		HeartbeatTimeout:   g.cfg.WS.HeartbeatTimeout,
		RateEvents:         g.cfg.WS.RateEvents,
		RateWindow:         g.cfg.WS.RateWindow,
		InfraTimeout:       g.cfg.WS.InfraTimeout,
	}, realtime.GatewayDeps{
		Logger:   g.log,
		Auth:     verifier,
		Registry: g.registry,
		Members:  g.infra.store,
		Receipts: g.infra.store,
		Ingest:   g.infra.ingest,
		Fanout:   bridge,
		Presence: g.infra.presence,
		Metrics:  g.metrics,
	})
	if err != nil {
		return err
	}
	g.ws = ws

	if g.cfg.DevMode() && g.cfg.Worker.Embedded {
		w, err := newPersistWorker(g.cfg, g.infra, g.log, g.metrics)
		if err != nil {
			return err
		}
		g.worker = w
	}
	return nil
}

// Handler returns the gateway's HTTP surface wrapped in middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	checks := append(g.infra.readinessChecks(), readinessCheck{
		name: "fanout",
		fn: func(context.Context) error {
			select {
			case <-g.bridge.Ready():
				return nil
			default:
				return errors.New("listener not subscribed")
			}
		},
	})
	registerHTTP(mux, g.log, g.cfg, checks, routes{
		metrics: g.metrics.Handler(),
		ws:      g.ws,
	})

	return WithRequestLogging(WithSecurityHeaders(mux), g.log)
}

// Start launches the background tasks: the fanout listener and the embedded
// worker. They stop when ctx is done.
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.bridge.Run(ctx); err != nil {
			g.log.Error("fanout.listener.fail", "err", err)
		}
	}()

	if g.worker != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.worker.Run(ctx); err != nil {
				g.log.Error("worker.fail", "err", err)
			}
		}()
		g.log.Info("worker.embedded", "consumer", g.worker.Consumer())
	}
}

// Run listens on the configured address and serves until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		g.Close()
		return fmt.Errorf("gateway: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve starts the background tasks and serves HTTP on ln until ctx is done.
// It then ends every session, waits for their presence cleanup and releases
// the infrastructure.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Start(bgCtx)

	srv := newHTTPServer(g.cfg, g.cfg.HTTPAddr, g.Handler())
	// Hijacked websocket connections are not closed by Shutdown; deriving
	// every request context from bgCtx ends their sessions.
	srv.BaseContext = func(net.Listener) context.Context { return bgCtx }
	srv.RegisterOnShutdown(cancel)

	g.log.Info("server.start",
		"addr", ln.Addr().String(),
		"ws_url", wsBaseURL(runtimeBaseURL(ln.Addr().String()))+"/ws",
		"dev_mode", g.cfg.DevMode(),
		"db_enabled", g.infra.pool != nil,
		"fanout", g.cfg.FanoutBackend,
	)

	err := serveHTTP(ctx, srv, ln, g.log, g.cfg.ShutdownTimeout)
	cancel()

	// Hijacked connections are invisible to Shutdown; their sessions still
	// have to release presence before the stores close.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), nonZeroDuration(g.cfg.ShutdownTimeout, 10*time.Second))
	if werr := g.ws.Wait(drainCtx); werr != nil {
		g.log.Warn("server.sessions.drain.fail", "err", werr)
	}
	drainCancel()

	g.Close()
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	g.log.Info("server.stopped")
	return nil
}

// Close waits for the background tasks and releases the infrastructure.
// Their context must be done first.
func (g *Gateway) Close() {
	g.wg.Wait()
	g.infra.close()
}
