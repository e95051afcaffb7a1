package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the authenticated principal of a connection.
type Identity struct {
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// Authenticator verifies a raw credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	Secret         []byte
	Algorithm      string // HS256 (default), HS384, HS512
	MinSecretBytes int
	Leeway         time.Duration
	Now            func() time.Time
}

// JWTVerifier is an Authenticator for HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	method jwt.SigningMethod
	leeway time.Duration
	now    func() time.Time
}

// NewJWTVerifier validates cfg and constructs a verifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	secret := []byte(strings.TrimSpace(string(cfg.Secret)))
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	if cfg.MinSecretBytes > 0 && len(secret) < cfg.MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	method, err := SigningMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTVerifier{secret: secret, method: method, leeway: cfg.Leeway, now: cfg.Now}, nil
}

// SigningMethod maps an algorithm name to its HMAC signing method.
func SigningMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("%w: %s (use HS256/HS384/HS512)", ErrUnsupportedAlg, alg)
	}
}

// Authenticate implements Authenticator.
func (v *JWTVerifier) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid, err := subjectOf(claims)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{UserID: uid}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time.UTC()
	}
	return id, nil
}

func subjectOf(claims jwt.MapClaims) (uuid.UUID, error) {
	for _, k := range []string{"sub", "subject", "user_id"} {
		raw, ok := claims[k].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil || id == uuid.Nil {
			return uuid.Nil, ErrInvalidSubject
		}
		return id, nil
	}
	return uuid.Nil, ErrInvalidSubject
}

// Issue mints a token for userID. The gateway never calls it; it exists for
// the smoke tool and tests.
func Issue(secret []byte, alg string, userID uuid.UUID, ttl time.Duration, now time.Time) (string, error) {
	method, err := SigningMethod(alg)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", ErrSecretMissing
	}
	if userID == uuid.Nil {
		return "", errors.New("auth: nil user id")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if now.IsZero() {
		now = time.Now()
	}
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(method, claims).SignedString(secret)
}
