package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// routes are the handlers a process exposes next to the health endpoints.
type routes struct {
	metrics http.Handler
	ws      http.Handler
}

func registerHTTP(mux *http.ServeMux, log *slog.Logger, cfg Config, checks []readinessCheck, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && strings.TrimSpace(cfg.DatabaseURL) == "" {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.fn(ctx); err != nil {
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				log.Info("readyz.not_ready", "check", c.name, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics)
	}
	if rt.ws != nil {
		mux.Handle("/ws", rt.ws)
		mux.Handle("/ws/chat", rt.ws)
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener, log *slog.Logger, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(shutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", "err", err)
		return err
	}
	return nil
}

func newHTTPServer(cfg Config, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(cfg.MaxHeaderBytes, 1<<20),
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
