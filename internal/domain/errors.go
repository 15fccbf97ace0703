package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrNoPrice       = errors.New("no price available")
	ErrStalePrice    = errors.New("price is stale")
	ErrInvalidMarket = errors.New("invalid market parameters")

	// ErrTransient marks infrastructure failures that are safe to retry.
	ErrTransient = errors.New("transient failure")
)

// IsTransient reports whether err was explicitly marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
