// Package matching turns a proximity query into a ranked candidate list by
// joining in-range users with their compatibility results.
package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/radarerr"
)

const (
	defaultPageSize = 20
	defaultWorkers  = 8
)

// Positions is the part of the position store the matcher reads.
type Positions interface {
	Get(userID string) (position.User, error)
	UsersWithin(centerUserID string, rng float64) ([]position.Nearby, error)
}

// Results fetches or computes pairwise compatibility. *compat.Cache
// satisfies it.
type Results interface {
	GetOrCompute(ctx context.Context, userA, userB string) (compat.Result, error)
}

// Candidate is one ranked radar entry.
type Candidate struct {
	User     position.User `json:"user"`
	Distance float64       `json:"distance"`
	Result   compat.Result `json:"compatibility"`
}

// Score is the candidate's compatibility score.
func (c Candidate) Score() float64 { return c.Result.Score }

// Config configures a Matcher.
type Config struct {
	PageSize int
	Workers  int
	// RequireDiscoverable makes invisible callers fail with
	// ErrNotDiscoverable instead of receiving matches.
	RequireDiscoverable bool
	Logger              *zap.Logger
}

// Options are per-query overrides. Zero values use the configured defaults.
type Options struct {
	Range    float64
	PageSize int
}

// Matcher answers radar queries.
type Matcher struct {
	positions Positions
	results   Results
	cfg       Config
	log       *zap.Logger
}

// New creates a Matcher.
func New(positions Positions, results Results, cfg Config) *Matcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Matcher{
		positions: positions,
		results:   results,
		cfg:       cfg,
		log:       logger.Named(cfg.Logger, "matcher"),
	}
}

// FindMatches returns the caller's in-range candidates ordered by score
// descending, then distance ascending, then user id ascending, truncated to
// the page size. An empty radar is an empty slice. If ctx is cancelled the
// query fails with ctx.Err(), while computations already dispatched still
// complete into the cache.
func (m *Matcher) FindMatches(ctx context.Context, callerID string, opts Options) ([]Candidate, error) {
	start := time.Now()
	defer func() {
		metrics.FindMatchesDuration.Observe(time.Since(start).Seconds())
	}()

	caller, err := m.positions.Get(callerID)
	if err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}
	if !caller.Visible && m.cfg.RequireDiscoverable {
		return nil, fmt.Errorf("matching: %s: %w", callerID, radarerr.ErrNotDiscoverable)
	}

	nearby, err := m.positions.UsersWithin(callerID, opts.Range)
	if err != nil {
		return nil, fmt.Errorf("matching: users within: %w", err)
	}

	candidates := make([]Candidate, len(nearby))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	for i, n := range nearby {
		g.Go(func() error {
			r, err := m.results.GetOrCompute(gctx, callerID, n.User.ID)
			if err != nil {
				return err
			}
			candidates[i] = Candidate{User: n.User, Distance: n.Distance, Result: r}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Debug("find matches aborted", zap.String("user_id", callerID), zap.Error(err))
		return nil, fmt.Errorf("matching: score candidates: %w", err)
	}

	Rank(candidates)

	size := m.cfg.PageSize
	if opts.PageSize > 0 {
		size = opts.PageSize
	}
	if len(candidates) > size {
		candidates = candidates[:size]
	}

	metrics.CandidatesReturned.Observe(float64(len(candidates)))
	return candidates, nil
}

// Rank sorts candidates by score descending, distance ascending, then user
// id ascending.
func Rank(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Result.Score != cj.Result.Score {
			return ci.Result.Score > cj.Result.Score
		}
		if ci.Distance != cj.Distance {
			return ci.Distance < cj.Distance
		}
		return ci.User.ID < cj.User.ID
	})
}
