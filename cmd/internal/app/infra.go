package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"papyris/cmd/internal/chat"
	"papyris/cmd/internal/fanout"
	"papyris/cmd/internal/ingest"
	"papyris/cmd/internal/presence"
)

const infraPingTimeout = 3 * time.Second

// NewRedisClient parses a redis:// URL and validates connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, infraPingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewNATSConn connects to NATS and keeps reconnecting for the process
// lifetime.
func NewNATSConn(rawURL, name string, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(rawURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// backends is the infrastructure one process runs on. Fields a role does
// not need stay nil.
type backends struct {
	log *slog.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client
	nc   *nats.Conn

	store    chat.Store
	ingest   ingest.Log
	broker   fanout.Broker
	presence presence.Store
}

type role uint8

const (
	roleGateway role = iota
	roleWorker
)

func (r role) appName() string {
	if r == roleWorker {
		return "papyris-worker"
	}
	return "papyris-gateway"
}

func openBackends(ctx context.Context, cfg Config, log *slog.Logger, r role) (_ *backends, err error) {
	b := &backends{log: log}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	if err := b.openStore(ctx, cfg, r.appName()); err != nil {
		return nil, err
	}

	if cfg.DevMode() {
		if r == roleWorker {
			return nil, errors.New("config: the standalone worker requires PAPYRIS_REDIS_URL")
		}
		log.Warn("redis.disabled.dev_mode", "note", "ingest log and presence are process-local")
		b.ingest = ingest.NewMemoryLog(ingest.WithMaxLen(int(cfg.Stream.MaxLen)))
	} else {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.rdb = rdb
		rl, err := ingest.NewRedisLog(rdb, ingest.RedisConfig{
			StreamKey: cfg.Stream.Key,
			Group:     cfg.Stream.Group,
			DeadKey:   cfg.Stream.DeadKey,
			MaxLen:    cfg.Stream.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		b.ingest = rl
	}

	if r == roleWorker {
		return b, nil
	}

	if err := b.openFanout(cfg); err != nil {
		return nil, err
	}

	if b.rdb != nil {
		ps, err := presence.NewRedisStore(b.rdb, cfg.PresenceKey)
		if err != nil {
			return nil, err
		}
		b.presence = ps
	} else {
		b.presence = presence.NewMemoryStore()
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg Config, appName string) error {
	if cfg.DatabaseURL == "" {
		b.log.Warn("db.disabled.inmemory_store", "note", "membership is open to every authenticated user")
		b.store = chat.NewInMemoryStore(chat.WithOpenMembership())
		return nil
	}

	pool, err := newDBPool(ctx, cfg, appName)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	b.pool = pool

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	b.store = st
	b.log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return nil
}

func (b *backends) openFanout(cfg Config) error {
	switch cfg.FanoutBackend {
	case FanoutRedis:
		if b.rdb == nil {
			return errors.New("config: redis fanout requires PAPYRIS_REDIS_URL")
		}
		br, err := fanout.NewRedisBroker(b.rdb)
		if err != nil {
			return err
		}
		b.broker = br
	case FanoutNATS:
		nc, err := NewNATSConn(cfg.NATSURL, roleGateway.appName(), b.log)
		if err != nil {
			return err
		}
		b.nc = nc
		br, err := fanout.NewNATSBroker(nc)
		if err != nil {
			return err
		}
		b.broker = br
	case FanoutMemory:
		b.broker = fanout.NewMemoryBroker()
	default:
		return fmt.Errorf("config: unknown fanout backend %q", cfg.FanoutBackend)
	}
	b.log.Info("fanout.backend", "backend", cfg.FanoutBackend, "channel", cfg.FanoutChannel)
	return nil
}

// readinessChecks pings every shared dependency this process holds.
func (b *backends) readinessChecks() []readinessCheck {
	var checks []readinessCheck
	if b.pool != nil {
		pool := b.pool
		checks = append(checks, readinessCheck{name: "db", fn: func(ctx context.Context) error {
			return pingDB(ctx, pool, 2*time.Second)
		}})
	}
	if b.rdb != nil {
		rdb := b.rdb
		checks = append(checks, readinessCheck{name: "redis", fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if b.nc != nil {
		nc := b.nc
		checks = append(checks, readinessCheck{name: "nats", fn: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}})
	}
	return checks
}

// close releases resources in reverse dependency order.
func (b *backends) close() {
	if b.broker != nil {
		_ = b.broker.Close()
	}
	if b.ingest != nil {
		_ = b.ingest.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.log.Warn("redis.close.fail", "err", err)
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
