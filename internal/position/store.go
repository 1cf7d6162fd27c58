// Package position holds each active user's broadcast location, radius and
// visibility, and answers proximity queries over them. Entries are stored in
// a sync.Map with one lock per user, so writes for different users never
// contend with each other.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/radarerr"
)

const (
	// MinRadius and MaxRadius bound a user's broadcast radius (inclusive).
	MinRadius = 5.0
	MaxRadius = 50.0

	defaultRange        = 20.0
	defaultExpireWindow = 2 * time.Minute

	// Per-user lock acquisition is retried this many times before the write
	// fails with ErrStoreContention.
	lockAttempts = 5
	lockBackoff  = time.Millisecond
)

var errLocked = errors.New("position entry locked")

// User is a read-only snapshot of a user's position state.
type User struct {
	ID       string    `json:"id"`
	Handle   string    `json:"handle"`
	Location Point     `json:"location"`
	Radius   float64   `json:"radius"`
	Visible  bool      `json:"visible"`
	LastSeen time.Time `json:"last_seen"`
}

// Nearby is a user returned by UsersWithin together with its distance from
// the querying user.
type Nearby struct {
	User     User
	Distance float64
}

// Update is a single position broadcast.
type Update struct {
	UserID   string
	Handle   string // kept unchanged when empty
	Location Point
	Radius   float64
	At       time.Time // broadcast timestamp; zero means now
}

type entry struct {
	mu           sync.RWMutex
	user         User
	discoverable bool // the user's own choice, see SetVisible
	expired      bool // set by the sweep, cleared by the next broadcast
	removed      bool
}

// visibleAt reports whether the entry can be found at now. Callers hold e.mu.
func (e *entry) visibleAt(now time.Time, window time.Duration) bool {
	if !e.discoverable || e.expired {
		return false
	}
	return window <= 0 || now.Sub(e.user.LastSeen) <= window
}

// Options configures a Store.
type Options struct {
	Metric       Metric
	DefaultRange float64       // used when a query passes range <= 0
	ExpireWindow time.Duration // autoExpireWindow
	Retention    time.Duration // expired entries older than this are removed; default 10x ExpireWindow
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Store is the in-memory position store.
type Store struct {
	entries sync.Map // user id -> *entry
	count   atomic.Int64

	metric       Metric
	defaultRange float64
	window       time.Duration
	retention    time.Duration
	now          func() time.Time
	log          *zap.Logger
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	s := &Store{
		metric:       opts.Metric,
		defaultRange: opts.DefaultRange,
		window:       opts.ExpireWindow,
		retention:    opts.Retention,
		now:          opts.Clock,
		log:          logger.Named(opts.Logger, "position"),
	}
	if s.defaultRange <= 0 {
		s.defaultRange = defaultRange
	}
	if s.window <= 0 {
		s.window = defaultExpireWindow
	}
	if s.retention <= 0 {
		s.retention = 10 * s.window
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ValidRadius reports whether r is an accepted broadcast radius.
func ValidRadius(r float64) bool {
	return r >= MinRadius && r <= MaxRadius
}

// UpdatePosition overwrites the user's location, radius and last-seen time.
// A broadcast older than the stored one is discarded without error. A
// timestamp ahead of the store clock is clamped to now, so a fast client
// clock cannot pin LastSeen in the future. Any applied broadcast clears the
// auto-expired state.
func (s *Store) UpdatePosition(u Update) error {
	if u.UserID == "" {
		return fmt.Errorf("position: %w: empty user id", radarerr.ErrUserNotFound)
	}
	if !ValidRadius(u.Radius) {
		metrics.PositionUpdates.WithLabelValues("rejected").Inc()
		return fmt.Errorf("position: %w: %v not in [%v,%v]", radarerr.ErrInvalidRadius, u.Radius, MinRadius, MaxRadius)
	}
	now := s.now()
	at := u.At
	if at.IsZero() || at.After(now) {
		at = now
	}

	for {
		e := s.loadOrCreate(u.UserID)
		if err := s.lock(e); err != nil {
			metrics.PositionUpdates.WithLabelValues("rejected").Inc()
			return fmt.Errorf("position: update %s: %w", u.UserID, err)
		}
		if e.removed {
			// Lost a race with Remove; retry against a fresh entry.
			e.mu.Unlock()
			continue
		}

		if !e.user.LastSeen.IsZero() && at.Before(e.user.LastSeen) {
			e.mu.Unlock()
			metrics.PositionUpdates.WithLabelValues("stale").Inc()
			s.log.Debug("discarded stale position",
				zap.String("user_id", u.UserID), zap.Time("at", at), zap.Time("stored", e.user.LastSeen))
			return nil
		}

		e.user.Location = u.Location
		e.user.Radius = u.Radius
		e.user.LastSeen = at
		if u.Handle != "" {
			e.user.Handle = u.Handle
		}
		e.expired = false
		e.mu.Unlock()

		metrics.PositionUpdates.WithLabelValues("applied").Inc()
		return nil
	}
}

// SetVisible toggles whether the user can be discovered by others. An
// invisible user can still run queries.
func (s *Store) SetVisible(userID string, visible bool) error {
	e, ok := s.load(userID)
	if !ok {
		return fmt.Errorf("position: %s: %w", userID, radarerr.ErrUserNotFound)
	}
	if err := s.lock(e); err != nil {
		return fmt.Errorf("position: set visible %s: %w", userID, err)
	}
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("position: %s: %w", userID, radarerr.ErrUserNotFound)
	}
	e.discoverable = visible
	return nil
}

// Get returns the user's current snapshot.
func (s *Store) Get(userID string) (User, error) {
	e, ok := s.load(userID)
	if !ok {
		return User{}, fmt.Errorf("position: %s: %w", userID, radarerr.ErrUserNotFound)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return User{}, fmt.Errorf("position: %s: %w", userID, radarerr.ErrUserNotFound)
	}
	return s.snapshot(e, s.now()), nil
}

// Remove deletes the user's entry entirely.
func (s *Store) Remove(userID string) {
	v, ok := s.entries.LoadAndDelete(userID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	metrics.ActiveUsers.Set(float64(s.count.Add(-1)))
}

// Len returns the number of users with a position entry.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// UsersWithin returns the visible users, excluding the caller, whose distance
// from the caller is within min(rng, caller radius) and within their own
// broadcast radius. rng <= 0 selects the default visibility range. Results
// are ordered by ascending distance, then ascending user id.
func (s *Store) UsersWithin(centerUserID string, rng float64) ([]Nearby, error) {
	caller, err := s.Get(centerUserID)
	if err != nil {
		return nil, err
	}

	effective := s.EffectiveRange(caller, rng)
	now := s.now()

	var out []Nearby
	s.entries.Range(func(key, value any) bool {
		if key.(string) == centerUserID {
			return true
		}
		e := value.(*entry)

		e.mu.RLock()
		if e.removed || !e.visibleAt(now, s.window) {
			e.mu.RUnlock()
			return true
		}
		u := s.snapshot(e, now)
		e.mu.RUnlock()

		d := s.metric.Distance(caller.Location, u.Location)
		if d <= effective && d <= u.Radius {
			out = append(out, Nearby{User: u, Distance: d})
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out, nil
}

// EffectiveRange returns the distance ceiling UsersWithin applies for caller.
func (s *Store) EffectiveRange(caller User, rng float64) float64 {
	if rng <= 0 {
		rng = s.defaultRange
	}
	if caller.Radius < rng {
		return caller.Radius
	}
	return rng
}

// Sweep marks users invisible whose last broadcast is older than the expire
// window, and removes discoverable entries that stayed silent past the
// retention period. Hidden users keep their entry so the choice survives the
// next broadcast. It returns the number of users newly expired.
func (s *Store) Sweep(now time.Time) int {
	expired, removed := 0, 0

	s.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.removed {
			return true
		}

		silent := now.Sub(e.user.LastSeen)
		if !e.expired && silent > s.window {
			e.expired = true
			expired++
		}
		// Deleted under the entry lock: a concurrent broadcast either lands
		// before and keeps the entry, or sees removed and starts a new one.
		if e.discoverable && silent > s.retention && s.entries.CompareAndDelete(key, e) {
			e.removed = true
			removed++
			metrics.ActiveUsers.Set(float64(s.count.Add(-1)))
		}
		return true
	})

	if expired > 0 || removed > 0 {
		metrics.ExpiredUsers.Add(float64(expired))
		s.log.Info("sweep expired users", zap.Int("expired", expired), zap.Int("removed", removed))
	}
	return expired
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func (s *Store) load(userID string) (*entry, bool) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (s *Store) loadOrCreate(userID string) *entry {
	if e, ok := s.load(userID); ok {
		return e
	}
	fresh := &entry{user: User{ID: userID}, discoverable: true}
	v, loaded := s.entries.LoadOrStore(userID, fresh)
	if !loaded {
		metrics.ActiveUsers.Set(float64(s.count.Add(1)))
	}
	return v.(*entry)
}

// lock acquires e.mu for writing with a bounded number of attempts.
func (s *Store) lock(e *entry) error {
	return radarerr.Retry(context.Background(), lockAttempts, lockBackoff, func() error {
		if e.mu.TryLock() {
			return nil
		}
		return errLocked
	})
}

// snapshot copies the entry's user with visibility resolved. Callers hold e.mu.
func (s *Store) snapshot(e *entry, now time.Time) User {
	u := e.user
	u.Visible = e.visibleAt(now, s.window)
	return u
}
