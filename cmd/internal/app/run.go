package app

import (
	"context"
	"os/signal"
	"syscall"
)

// RunGateway is the CLI entrypoint used by cmd/papyris-gateway.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func RunGateway() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, err := NewGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	return g.Run(ctx)
}

// RunWorker is the CLI entrypoint used by cmd/papyris-worker.
func RunWorker() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := NewWorker(ctx, cfg, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
