package persist

import "errors"

var (
	// ErrInvalidConfig is returned by New for missing collaborators.
	ErrInvalidConfig = errors.New("persist: invalid config")
)
