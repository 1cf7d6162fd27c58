package compat

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/profile"
)

// DefaultCacheSize is used when NewCache is given a non-positive size.
const DefaultCacheSize = 10000

// Snapshots supplies versioned answer snapshots. *profile.Store satisfies it.
type Snapshots interface {
	Snapshot(userID string) profile.Snapshot
}

// Cache memoizes results per unordered pair and answer versions. Concurrent
// requests for the same key share one computation.
type Cache struct {
	scorer   Scorer
	profiles Snapshots
	results  *lru.Cache[string, Result]
	group    singleflight.Group
	log      *zap.Logger
}

// NewCache creates a Cache holding at most size results.
func NewCache(scorer Scorer, profiles Snapshots, size int, log *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	results, err := lru.New[string, Result](size)
	if err != nil {
		return nil, fmt.Errorf("compat: new lru: %w", err)
	}
	return &Cache{
		scorer:   scorer,
		profiles: profiles,
		results:  results,
		log:      logger.Named(log, "compat"),
	}, nil
}

// Key returns the cache key of a snapshot pair. It is independent of
// argument order. Both versions are part of the key, and since versions are
// drawn from one increasing sequence the larger one alone already changes on
// every shared-answer edit of either user.
func Key(a, b profile.Snapshot) string {
	if b.UserID < a.UserID {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s@%d.%d", a.UserID, b.UserID, max(a.Version, b.Version), min(a.Version, b.Version))
}

// GetOrCompute returns the cached result for the pair at its current answer
// versions, computing it on a miss. If ctx is done first, ctx.Err() is
// returned; the computation keeps running and still fills the cache.
func (c *Cache) GetOrCompute(ctx context.Context, userA, userB string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a := c.profiles.Snapshot(userA)
	b := c.profiles.Snapshot(userB)
	key := Key(a, b)

	if r, ok := c.results.Get(key); ok {
		metrics.CompatCache.WithLabelValues("hit").Inc()
		return r, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if r, ok := c.results.Get(key); ok {
			return r, nil
		}
		start := time.Now()
		r := c.scorer.Score(a, b)
		metrics.ScoreDuration.Observe(time.Since(start).Seconds())
		c.results.Add(key, r)
		return r, nil
	})

	select {
	case <-ctx.Done():
		c.log.Debug("caller left before scoring finished", zap.String("key", key))
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.CompatCache.WithLabelValues("shared").Inc()
		} else {
			metrics.CompatCache.WithLabelValues("miss").Inc()
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// Peek returns a cached result without computing.
func (c *Cache) Peek(userA, userB string) (Result, bool) {
	return c.results.Peek(Key(c.profiles.Snapshot(userA), c.profiles.Snapshot(userB)))
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	return c.results.Len()
}
