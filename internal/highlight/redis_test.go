package highlight

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/radarerr"
)

// newTestRedisStore requires a running Redis on localhost:6379 and uses DB 15.
func newTestRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedisStore(client), client
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	store, client := newTestRedisStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "test_me", "2026-10-19")
	require.NoError(t, err)
	assert.False(t, ok)

	first := Record{UserID: "test_me", MatchID: "a", Date: "2026-10-19", Score: 81.5,
		SelectedAt: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	stored, created, err := store.SetIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first, stored)

	second := first
	second.MatchID = "b"
	stored, created, err = store.SetIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a", stored.MatchID)

	ttl, err := client.TTL(ctx, recordKey("test_me", "2026-10-19")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 47*time.Hour)
}

func TestRedisStore_SetIfAbsentFindsOwnWrite(t *testing.T) {
	store, client := newTestRedisStore(t)
	ctx := context.Background()

	rec := Record{UserID: "test_own", MatchID: "a", Date: "2026-10-19", Score: 90,
		SelectedAt: time.Date(2026, 10, 19, 8, 0, 0, 123456789, time.UTC)}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	// The write landed but its reply never arrived.
	require.NoError(t, client.SetNX(ctx, recordKey(rec.UserID, rec.Date), data, RecordTTL).Err())

	stored, created, err := store.SetIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a", stored.MatchID)
}

func TestSameRecord(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 0, 0, 5, time.UTC)
	rec := Record{UserID: "me", MatchID: "a", Date: "2026-10-19", Score: 90, SelectedAt: at}

	decoded := rec
	decoded.SelectedAt = at.In(time.FixedZone("CEST", 2*3600))
	assert.True(t, sameRecord(rec, decoded))

	other := rec
	other.SelectedAt = at.Add(time.Nanosecond)
	assert.False(t, sameRecord(rec, other), "a concurrent winner selected at another instant")

	other = rec
	other.MatchID = "b"
	assert.False(t, sameRecord(rec, other))
}

func TestRedisStore_SelectorStability(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	s := NewSelector(store, Config{Threshold: 70, Clock: func() time.Time { return now }})

	rec, created, err := s.Observe(ctx, "test_sel", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, created)

	rec, created, err = s.Observe(ctx, "test_sel", ranked("a", 75))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a", rec.MatchID)

	rec, created, err = s.Observe(ctx, "test_sel", ranked("b", 100))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a", rec.MatchID)
}

func TestRedisStore_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)

	_, _, err := store.Get(context.Background(), "test_x", "2026-10-19")
	assert.ErrorIs(t, err, radarerr.ErrStoreContention)
}

func ranked(id string, score float64) []matching.Candidate {
	return []matching.Candidate{cand(id, score, 1)}
}
