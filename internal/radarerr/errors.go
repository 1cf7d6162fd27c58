// Package radarerr defines the error taxonomy shared by the radar core. Every
// package wraps these sentinels with its own prefix, so callers should compare
// with errors.Is rather than by string.
package radarerr

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRadius is returned when a broadcast radius is outside
	// [MinRadius, MaxRadius]. Out-of-range values are rejected, never clamped.
	ErrInvalidRadius = errors.New("invalid broadcast radius")

	// ErrUnknownQuestion is returned when an answer references a question id
	// that is not in the question catalog.
	ErrUnknownQuestion = errors.New("unknown question")

	// ErrNotDiscoverable is returned by radar queries from an invisible caller
	// when the service is configured to require discoverability.
	ErrNotDiscoverable = errors.New("caller is not discoverable")

	// ErrUserNotFound is returned for queries against an id that has no entry
	// in the position store.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreContention is returned after the bounded internal retries for a
	// transiently locked or unavailable store are exhausted.
	ErrStoreContention = errors.New("store contention")

	// ErrBlockedContent is returned when a shared answer or display handle
	// fails content screening.
	ErrBlockedContent = errors.New("blocked content")
)

// Code maps an error to the stable string code used by the WebSocket and
// HTTP surfaces. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRadius):
		return "invalid_radius"
	case errors.Is(err, ErrUnknownQuestion):
		return "unknown_question"
	case errors.Is(err, ErrNotDiscoverable):
		return "not_discoverable"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrStoreContention):
		return "store_contention"
	case errors.Is(err, ErrBlockedContent):
		return "blocked_content"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

// Retry runs fn up to attempts times, sleeping backoff (doubled after each
// failure) between tries. It stops early when fn succeeds, when fn returns an
// error wrapped with Permanent, or when ctx is done. When all attempts fail
// the last error is wrapped with ErrStoreContention.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return errors.Join(ErrStoreContention, err)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying inside Retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
