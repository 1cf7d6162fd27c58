// Package highlight selects and remembers each user's best match of the day.
//
// A user-day moves from unset to set at most once: the first radar query of
// the day whose top candidate clears the threshold creates the record, and
// the record is never replaced before the next local day.
package highlight

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/metrics"
)

// DefaultThreshold is the minimum score for a best match.
const DefaultThreshold = 70.0

// DateLayout formats record dates.
const DateLayout = "2006-01-02"

// Record is a DailyBestMatch.
type Record struct {
	UserID     string    `json:"user_id"`
	MatchID    string    `json:"match_id"`
	Date       string    `json:"date"`
	Score      float64   `json:"score"`
	SelectedAt time.Time `json:"selected_at"`
}

// Store is the keyed (user id, date) table of records.
type Store interface {
	// Get returns the record for the user-day, if any.
	Get(ctx context.Context, userID, date string) (Record, bool, error)
	// SetIfAbsent stores rec unless a record for the same user-day exists.
	// It returns the record that is stored afterwards and whether rec was
	// the one written.
	SetIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
}

// Config configures a Selector.
type Config struct {
	Threshold float64 // zero selects DefaultThreshold; negative accepts any score
	Location  *time.Location
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Selector maintains DailyBestMatch records.
type Selector struct {
	store     Store
	threshold float64
	loc       *time.Location
	now       func() time.Time
	log       *zap.Logger
}

// NewSelector creates a Selector over store.
func NewSelector(store Store, cfg Config) *Selector {
	s := &Selector{
		store:     store,
		threshold: cfg.Threshold,
		loc:       cfg.Location,
		now:       cfg.Clock,
		log:       logger.Named(cfg.Logger, "highlight"),
	}
	switch {
	case s.threshold == 0:
		s.threshold = DefaultThreshold
	case s.threshold < 0:
		s.threshold = 0
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Today returns the local date string used for new records.
func (s *Selector) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

// Observe records the best match of the day from a ranked candidate list.
// If a record already exists for today it is returned unchanged. Otherwise
// the top candidate is recorded when its score reaches the threshold; below
// the threshold nothing is stored and rec is nil. created reports whether
// this call wrote the record.
func (s *Selector) Observe(ctx context.Context, userID string, ranked []matching.Candidate) (rec *Record, created bool, err error) {
	date := s.Today()

	existing, ok, err := s.store.Get(ctx, userID, date)
	if err != nil {
		return nil, false, fmt.Errorf("highlight: get %s/%s: %w", userID, date, err)
	}
	if ok {
		return &existing, false, nil
	}

	if len(ranked) == 0 || ranked[0].Score() < s.threshold {
		return nil, false, nil
	}

	top := ranked[0]
	stored, created, err := s.store.SetIfAbsent(ctx, Record{
		UserID:     userID,
		MatchID:    top.User.ID,
		Date:       date,
		Score:      top.Score(),
		SelectedAt: s.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("highlight: set %s/%s: %w", userID, date, err)
	}
	if created {
		metrics.BestMatchesSelected.Inc()
		s.log.Info("best match selected",
			zap.String("user_id", userID),
			zap.String("match_id", stored.MatchID),
			zap.Float64("score", stored.Score),
			zap.String("date", date))
	}
	return &stored, created, nil
}

// Current returns today's record for the user, or nil when unset.
func (s *Selector) Current(ctx context.Context, userID string) (*Record, error) {
	date := s.Today()
	rec, ok, err := s.store.Get(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("highlight: get %s/%s: %w", userID, date, err)
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Purger is implemented by stores that need explicit cleanup of past days.
type Purger interface {
	Purge(before string) int
}

// StartPurge removes records older than yesterday every interval until ctx
// is cancelled. Stores that expire records themselves are left alone.
func (s *Selector) StartPurge(ctx context.Context, interval time.Duration) {
	p, ok := s.store.(Purger)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("purge loop stopped")
			return
		case <-ticker.C:
			cutoff := s.now().In(s.loc).AddDate(0, 0, -1).Format(DateLayout)
			if n := p.Purge(cutoff); n > 0 {
				s.log.Info("purged best match records", zap.Int("removed", n), zap.String("before", cutoff))
			}
		}
	}
}
