// Package radar composes the position and profile stores, the compatibility
// cache, the matcher and the best-match selector into the single service
// that every transport (WebSocket, HTTP, NATS) calls into.
package radar

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/moderation"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/profile"
	"github.com/whisper/radar/internal/radarerr"
	"github.com/whisper/radar/internal/starter"
)

// Notifier is told about newly created daily best matches.
type Notifier interface {
	NotifyBestMatch(ctx context.Context, rec highlight.Record, match matching.Candidate) error
}

// Deps are the components a Service is built from. Notifier, Starters and
// Filter are optional; without a Filter no content is screened.
type Deps struct {
	Catalog   *catalog.Static
	Positions *position.Store
	Profiles  *profile.Store
	Cache     *compat.Cache
	Matcher   *matching.Matcher
	Selector  *highlight.Selector
	Starters  starter.Generator
	Notifier  Notifier
	Filter    *moderation.Filter
	Logger    *zap.Logger
}

// Service is the radar facade.
type Service struct {
	catalog   *catalog.Static
	positions *position.Store
	profiles  *profile.Store
	cache     *compat.Cache
	matcher   *matching.Matcher
	selector  *highlight.Selector
	starters  starter.Generator
	notifier  Notifier
	filter    *moderation.Filter
	log       *zap.Logger
}

// Radar is the payload of one refresh: the ranked candidates and today's best
// match, if one is set.
type Radar struct {
	UserID     string               `json:"user_id"`
	Candidates []matching.Candidate `json:"candidates"`
	BestMatch  *highlight.Record    `json:"best_match,omitempty"`
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	s := &Service{
		catalog:   d.Catalog,
		positions: d.Positions,
		profiles:  d.Profiles,
		cache:     d.Cache,
		matcher:   d.Matcher,
		selector:  d.Selector,
		starters:  d.Starters,
		notifier:  d.Notifier,
		filter:    d.Filter,
		log:       logger.Named(d.Logger, "radar"),
	}
	if s.starters == nil {
		s.starters = starter.Template{}
	}
	return s
}

// SetNotifier replaces the best-match notifier. It must be called before the
// service handles requests.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start runs the expiry sweep and best-match purge loops until ctx is done.
func (s *Service) Start(ctx context.Context, sweepInterval time.Duration) {
	go s.positions.StartSweeper(ctx, sweepInterval)
	go s.selector.StartPurge(ctx, time.Hour)
	s.log.Info("radar service started", zap.Duration("sweep_interval", sweepInterval))
}

// UpdatePosition records a location broadcast. A new handle is screened
// before anything is stored.
func (s *Service) UpdatePosition(_ context.Context, u position.Update) error {
	if err := s.screen("handle", u.UserID, u.Handle); err != nil {
		return err
	}
	return s.positions.UpdatePosition(u)
}

// SetVisible toggles whether the user can be found.
func (s *Service) SetVisible(_ context.Context, userID string, visible bool) error {
	return s.positions.SetVisible(userID, visible)
}

// SubmitAnswer stores the user's answer to a catalog question. Shared answers
// are screened; private ones are never shown to anyone else.
func (s *Service) SubmitAnswer(_ context.Context, userID, questionID, value string, shared bool) error {
	if shared {
		if err := s.screen("answer", userID, value); err != nil {
			return err
		}
	}
	return s.profiles.SubmitAnswer(userID, questionID, value, shared)
}

// Leave removes every trace of the user from the radar.
func (s *Service) Leave(_ context.Context, userID string) {
	s.positions.Remove(userID)
	s.profiles.Forget(userID)
	s.log.Info("user left radar", zap.String("user_id", userID))
}

// Refresh runs a radar query for userID and updates today's best match from
// the ranked candidates. A newly created best match is sent to the notifier.
func (s *Service) Refresh(ctx context.Context, userID string, opts matching.Options) (*Radar, error) {
	candidates, err := s.matcher.FindMatches(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	best, created, err := s.selector.Observe(ctx, userID, candidates)
	if err != nil {
		return nil, fmt.Errorf("radar: best match: %w", err)
	}
	if created && s.notifier != nil && len(candidates) > 0 {
		if err := s.notifier.NotifyBestMatch(ctx, *best, candidates[0]); err != nil {
			s.log.Warn("best match notification failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return &Radar{UserID: userID, Candidates: candidates, BestMatch: best}, nil
}

// BestMatch returns today's best match for the user, or nil if unset.
func (s *Service) BestMatch(ctx context.Context, userID string) (*highlight.Record, error) {
	return s.selector.Current(ctx, userID)
}

// Compatibility returns the pair's result at the current answer versions.
func (s *Service) Compatibility(ctx context.Context, userID, otherID string) (compat.Result, error) {
	for _, id := range []string{userID, otherID} {
		if !s.known(id) {
			return compat.Result{}, fmt.Errorf("radar: %s: %w", id, radarerr.ErrUserNotFound)
		}
	}
	return s.cache.GetOrCompute(ctx, userID, otherID)
}

// Starter suggests an opening message from userID to otherID.
func (s *Service) Starter(ctx context.Context, userID, otherID string) (string, error) {
	res, err := s.Compatibility(ctx, userID, otherID)
	if err != nil {
		return "", err
	}

	req := starter.Request{Result: res, From: userID}
	if u, err := s.positions.Get(userID); err == nil {
		req.FromHandle = u.Handle
	}
	if u, err := s.positions.Get(otherID); err == nil {
		req.OtherHandle = u.Handle
	}
	return s.starters.Starter(ctx, req)
}

// Questions lists the question catalog.
func (s *Service) Questions() []catalog.Question {
	return s.catalog.Questions()
}

func (s *Service) screen(field, userID, text string) error {
	if s.filter == nil || text == "" {
		return nil
	}
	r := s.filter.Check(text)
	if !r.Blocked {
		return nil
	}
	metrics.ContentBlocked.WithLabelValues(field, r.Reason).Inc()
	s.log.Info("content blocked",
		zap.String("user_id", userID),
		zap.String("field", field),
		zap.String("reason", r.Reason))
	return fmt.Errorf("radar: %s rejected (%s): %w", field, r.Reason, radarerr.ErrBlockedContent)
}

func (s *Service) known(userID string) bool {
	if _, err := s.positions.Get(userID); err == nil {
		return true
	}
	return s.profiles.Has(userID)
}
