package highlight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/radar/internal/radarerr"
)

// Best-match records live under one key per user-day:
//
//	Key:   radar:best:<user_id>:<date>
//	Value: JSON Record
//	TTL:   RecordTTL
const (
	KeyPrefix = "radar:best:"

	// RecordTTL keeps a record through the end of its day in any time zone.
	RecordTTL = 48 * time.Hour

	retryAttempts = 3
	retryBackoff  = 20 * time.Millisecond
)

// RedisStore is a Store shared by every radard instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(userID, date string) string {
	return KeyPrefix + userID + ":" + date
}

// Get implements Store. Redis failures are retried before surfacing
// ErrStoreContention.
func (r *RedisStore) Get(ctx context.Context, userID, date string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := radarerr.Retry(ctx, retryAttempts, retryBackoff, func() error {
		data, err := r.client.Get(ctx, recordKey(userID, date)).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return radarerr.Permanent(fmt.Errorf("decode record: %w", err))
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// SetIfAbsent implements Store with SETNX, so concurrent instances agree on a
// single record per user-day.
func (r *RedisStore) SetIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode record: %w", err)
	}

	var created bool
	err = radarerr.Retry(ctx, retryAttempts, retryBackoff, func() error {
		ok, err := r.client.SetNX(ctx, recordKey(rec.UserID, rec.Date), data, RecordTTL).Result()
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	if created {
		return rec, true, nil
	}

	existing, ok, err := r.Get(ctx, rec.UserID, rec.Date)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		// Expired between SETNX and GET.
		return r.SetIfAbsent(ctx, rec)
	}
	// A retried SETNX whose first reply was lost finds its own record.
	return existing, sameRecord(existing, rec), nil
}

func sameRecord(a, b Record) bool {
	return a.UserID == b.UserID && a.Date == b.Date && a.MatchID == b.MatchID &&
		a.Score == b.Score && a.SelectedAt.Equal(b.SelectedAt)
}
