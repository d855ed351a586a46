package testutil

import (
	"errors"
	"fmt"
)

// ErrProviderUnavailable is returned when the container provider could not
// be reached at all.
var ErrProviderUnavailable = errors.New("container provider unavailable")

// startGuarded runs start and reports a panicking container provider as
// ErrProviderUnavailable. testcontainers panics when no Docker socket exists.
func startGuarded[T any](start func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			res, err = zero, fmt.Errorf("%w: %v", ErrProviderUnavailable, r)
		}
	}()
	return start()
}
