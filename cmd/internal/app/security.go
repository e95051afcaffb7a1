package app

import (
	"errors"
	"fmt"
	"strings"

	"papyris/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the gateway's security policy at startup.
// Fail fast: a gateway that cannot verify credentials must not serve.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWT.Secret)
	switch {
	case secret == "":
		return errors.New("security policy: PAPYRIS_JWT_SECRET is missing")
	case cfg.JWT.MinSecretBytes > 0 && len(secret) < cfg.JWT.MinSecretBytes:
		return fmt.Errorf("security policy: PAPYRIS_JWT_SECRET is too short (min %d bytes)", cfg.JWT.MinSecretBytes)
	}
	if _, err := auth.SigningMethod(cfg.JWT.Algorithm); err != nil {
		return fmt.Errorf("security policy: %w", err)
	}
	if cfg.WS.InsecureSkipVerify && !cfg.DevMode() {
		return errors.New("security policy: PAPYRIS_WS_INSECURE_SKIP_VERIFY is only allowed in dev mode")
	}

	switch cfg.FanoutBackend {
	case FanoutRedis:
		if cfg.DevMode() {
			return errors.New("config: PAPYRIS_FANOUT_BACKEND=redis requires PAPYRIS_REDIS_URL")
		}
	case FanoutNATS:
		if strings.TrimSpace(cfg.NATSURL) == "" {
			return errors.New("config: PAPYRIS_FANOUT_BACKEND=nats requires PAPYRIS_NATS_URL")
		}
	case FanoutMemory:
		if !cfg.DevMode() {
			return errors.New("config: PAPYRIS_FANOUT_BACKEND=memory cannot reach other gateways; unset PAPYRIS_REDIS_URL for dev mode")
		}
	default:
		return fmt.Errorf("config: unknown PAPYRIS_FANOUT_BACKEND %q (use redis/nats/memory)", cfg.FanoutBackend)
	}
	return nil
}
