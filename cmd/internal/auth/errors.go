package auth

import "errors"

// Public, stable errors for callers.
var (
	ErrMissingToken   = errors.New("auth: missing token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrInvalidSubject = errors.New("auth: token subject is not a user id")

	ErrSecretMissing  = errors.New("auth: jwt secret missing")
	ErrSecretTooShort = errors.New("auth: jwt secret too short")
	ErrUnsupportedAlg = errors.New("auth: unsupported jwt algorithm")
)
