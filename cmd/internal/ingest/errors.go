package ingest

import "errors"

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("ingest: log closed")

	// ErrEmptyPayload is returned by Append for an empty payload.
	ErrEmptyPayload = errors.New("ingest: empty payload")

	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("ingest: invalid config")
)
