package radarerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "wrapped radius", err: fmt.Errorf("position: %w", ErrInvalidRadius), want: "invalid_radius"},
		{name: "question", err: ErrUnknownQuestion, want: "unknown_question"},
		{name: "discoverable", err: ErrNotDiscoverable, want: "not_discoverable"},
		{name: "not found", err: fmt.Errorf("x: %w", ErrUserNotFound), want: "user_not_found"},
		{name: "contention", err: errors.Join(ErrStoreContention, errors.New("busy")), want: "store_contention"},
		{name: "blocked", err: fmt.Errorf("radar: answer: %w", ErrBlockedContent), want: "blocked_content"},
		{name: "cancelled", err: context.Canceled, want: "cancelled"},
		{name: "other", err: errors.New("boom"), want: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustedReturnsContention(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("locked")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreContention)
	assert.Equal(t, 2, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(ErrUserNotFound)
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NotErrorIs(t, err, ErrStoreContention)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 5, time.Second, func() error {
		return errors.New("locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
