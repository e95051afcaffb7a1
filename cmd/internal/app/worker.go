package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"papyris/cmd/internal/metrics"
	"papyris/cmd/internal/persist"
)

// Worker is the standalone persistence worker process.
type Worker struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	infra   *backends
	worker  *persist.Worker
}

// NewWorker opens the worker's infrastructure: the shared ingest log and the
// relational store.
func NewWorker(ctx context.Context, cfg Config, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	infra, err := openBackends(ctx, cfg, log, roleWorker)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	pw, err := newPersistWorker(cfg, infra, log, m)
	if err != nil {
		infra.close()
		return nil, err
	}

	return &Worker{cfg: cfg, log: log, metrics: m, infra: infra, worker: pw}, nil
}

func newPersistWorker(cfg Config, infra *backends, log *slog.Logger, m *metrics.Metrics) (*persist.Worker, error) {
	return persist.New(persist.Config{
		Consumer:      cfg.Worker.Consumer,
		Batch:         cfg.Worker.Batch,
		Block:         cfg.Worker.Block,
		ClaimIdle:     cfg.Worker.ClaimIdle,
		ClaimInterval: cfg.Worker.ClaimInterval,
		MaxDeliveries: cfg.Worker.MaxDeliveries,
	}, persist.Deps{
		Log:     infra.ingest,
		Store:   infra.store,
		Logger:  log,
		Metrics: m,
	})
}

// Handler returns the worker's health and metrics surface.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, w.log, w.cfg, w.infra.readinessChecks(), routes{metrics: w.metrics.Handler()})
	return WithRequestLogging(mux, w.log)
}

// Run consumes the ingest log and serves health endpoints until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", w.cfg.Worker.HTTPAddr)
	if err != nil {
		w.infra.close()
		return fmt.Errorf("worker: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.worker.Run(ctx) }()

	srv := newHTTPServer(w.cfg, w.cfg.Worker.HTTPAddr, w.Handler())
	w.log.Info("server.start", "addr", w.cfg.Worker.HTTPAddr, "consumer", w.worker.Consumer())

	httpDone := make(chan error, 1)
	go func() { httpDone <- serveHTTP(ctx, srv, ln, w.log, w.cfg.ShutdownTimeout) }()

	select {
	case err = <-done:
		// The consume loop only returns early on a fatal init error.
		cancel()
		<-httpDone
	case err = <-httpDone:
		cancel()
		<-done
	}
	w.infra.close()

	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.log.Info("server.stopped")
	return nil
}
