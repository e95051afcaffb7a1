package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "PAPYRIS_"

// Fanout backends.
const (
	FanoutRedis  = "redis"
	FanoutNATS   = "nats"
	FanoutMemory = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"public"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`

	DBMaxConnIdle       time.Duration `env:"DB_MAX_CONN_IDLE" envDefault:"5m"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"30s"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB"`

	// RedisURL empty means in-process dev mode: memory log, broker and
	// presence, which only work within a single gateway process.
	RedisURL string `env:"REDIS_URL"`

	// FanoutBackend defaults to redis when RedisURL is set, memory otherwise.
	FanoutBackend string `env:"FANOUT_BACKEND"`
	FanoutChannel string `env:"FANOUT_CHANNEL" envDefault:"papyris:ws:events"`
	NATSURL       string `env:"NATS_URL"`

	Stream StreamConfig `envPrefix:"STREAM_"`

	PresenceKey string `env:"PRESENCE_KEY" envDefault:"papyris:online_users"`

	JWT    JWTConfig    `envPrefix:"JWT_"`
	WS     WSConfig     `envPrefix:"WS_"`
	Worker WorkerConfig `envPrefix:"WORKER_"`
}

// StreamConfig names the ingest log topic.
type StreamConfig struct {
	Key     string `env:"KEY" envDefault:"papyris:messages"`
	Group   string `env:"GROUP" envDefault:"papyris-workers"`
	DeadKey string `env:"DEAD_KEY" envDefault:"papyris:messages:dead"`
	MaxLen  int64  `env:"MAX_LEN" envDefault:"100000"`
}

// JWTConfig is the handshake credential policy.
type JWTConfig struct {
	Secret         string        `env:"SECRET"`
	Algorithm      string        `env:"ALGORITHM" envDefault:"HS256"`
	MinSecretBytes int           `env:"MIN_SECRET_BYTES" envDefault:"32"`
	Leeway         time.Duration `env:"LEEWAY" envDefault:"30s"`
}

// WSConfig is the per-connection policy of the gateway.
type WSConfig struct {
	OriginRequired     bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins     []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	InsecureSkipVerify bool     `env:"INSECURE_SKIP_VERIFY"`

	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueueSize   int           `env:"SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`

	InfraTimeout time.Duration `env:"INFRA_TIMEOUT" envDefault:"5s"`
}

// WorkerConfig tunes the persistence worker.
type WorkerConfig struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:9090"`
	Consumer      string        `env:"CONSUMER"`
	Batch         int           `env:"BATCH" envDefault:"10"`
	Block         time.Duration `env:"BLOCK" envDefault:"5s"`
	ClaimIdle     time.Duration `env:"CLAIM_IDLE" envDefault:"30s"`
	ClaimInterval time.Duration `env:"CLAIM_INTERVAL" envDefault:"15s"`
	MaxDeliveries int64         `env:"MAX_DELIVERIES" envDefault:"5"`

	// Embedded runs a worker inside a dev-mode gateway.
	Embedded bool `env:"EMBEDDED" envDefault:"true"`
}

// LoadConfig loads Config from PAPYRIS_* environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.FanoutBackend = cfg.fanoutBackend()
	return cfg, nil
}

// DevMode reports whether the gateway runs without shared infrastructure.
func (c Config) DevMode() bool {
	return strings.TrimSpace(c.RedisURL) == ""
}

func (c Config) fanoutBackend() string {
	b := strings.ToLower(strings.TrimSpace(c.FanoutBackend))
	if b != "" {
		return b
	}
	if c.DevMode() {
		return FanoutMemory
	}
	return FanoutRedis
}
