// Package profile stores each user's latest answer per catalog question and
// tracks an answer version used to key cached compatibility results.
//
// Versions come from one store-wide sequence. Every change to a user's shared
// answers assigns the next sequence value, so for any pair of users the
// larger of their two versions strictly increases whenever either side
// changes.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/radarerr"
)

// Catalog resolves question ids. *catalog.Static satisfies it.
type Catalog interface {
	Lookup(id string) (catalog.Question, bool)
}

// Answer is a user's latest answer to one question.
type Answer struct {
	UserID      string       `json:"user_id"`
	QuestionID  string       `json:"question_id"`
	Category    string       `json:"category"`
	Kind        catalog.Kind `json:"kind"`
	Value       string       `json:"value"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Shared      bool         `json:"shared"`
}

// Snapshot is a consistent view of a user's shared answers at one version.
type Snapshot struct {
	UserID  string
	Version uint64
	Answers []Answer // shared only, ordered by question id
}

type userProfile struct {
	mu      sync.RWMutex
	answers map[string]Answer // question id -> latest answer
	version uint64
}

// Store is the in-memory profile store.
type Store struct {
	catalog Catalog
	users   sync.Map // user id -> *userProfile
	seq     atomic.Uint64
	now     func() time.Time
	log     *zap.Logger
}

// NewStore creates a Store validating answers against c.
func NewStore(c Catalog, clock func() time.Time, log *zap.Logger) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		catalog: c,
		now:     clock,
		log:     logger.Named(log, "profile"),
	}
}

// SubmitAnswer upserts the user's answer to questionID. The category and
// value kind come from the catalog. The user's version is bumped when the
// shared answer set changes: a share flag flip, or a new value or category
// on an answer that is shared.
func (s *Store) SubmitAnswer(userID, questionID, value string, shared bool) error {
	if userID == "" {
		return fmt.Errorf("profile: %w: empty user id", radarerr.ErrUserNotFound)
	}
	q, ok := s.catalog.Lookup(questionID)
	if !ok {
		return fmt.Errorf("profile: %q: %w", questionID, radarerr.ErrUnknownQuestion)
	}

	value = strings.TrimSpace(value)
	p := s.loadOrCreate(userID)

	p.mu.Lock()
	prev, existed := p.answers[questionID]
	p.answers[questionID] = Answer{
		UserID:      userID,
		QuestionID:  questionID,
		Category:    q.Category,
		Kind:        q.Kind,
		Value:       value,
		SubmittedAt: s.now(),
		Shared:      shared,
	}

	bump := shared
	if existed {
		bump = prev.Shared != shared ||
			(shared && (prev.Value != value || prev.Category != q.Category))
	}
	if bump {
		p.version = s.seq.Add(1)
	}
	version := p.version
	p.mu.Unlock()

	metrics.AnswersSubmitted.WithLabelValues(fmt.Sprint(bump)).Inc()
	s.log.Debug("answer submitted",
		zap.String("user_id", userID),
		zap.String("question_id", questionID),
		zap.Bool("shared", shared),
		zap.Uint64("version", version))
	return nil
}

// SharedAnswers returns the user's shared answers ordered by question id.
// Unknown users have no answers.
func (s *Store) SharedAnswers(userID string) []Answer {
	return s.Snapshot(userID).Answers
}

// Snapshot returns the user's shared answers and version read atomically.
func (s *Store) Snapshot(userID string) Snapshot {
	snap := Snapshot{UserID: userID}
	p, ok := s.load(userID)
	if !ok {
		return snap
	}

	p.mu.RLock()
	snap.Version = p.version
	for _, a := range p.answers {
		if a.Shared {
			snap.Answers = append(snap.Answers, a)
		}
	}
	p.mu.RUnlock()

	sort.Slice(snap.Answers, func(i, j int) bool {
		return snap.Answers[i].QuestionID < snap.Answers[j].QuestionID
	})
	return snap
}

// Version returns the user's current answer version (0 if never shared).
func (s *Store) Version(userID string) uint64 {
	p, ok := s.load(userID)
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Has reports whether the user ever submitted an answer.
func (s *Store) Has(userID string) bool {
	_, ok := s.load(userID)
	return ok
}

// Forget drops all of the user's answers. The version still advances so
// cached results that included the old answers are never served again.
func (s *Store) Forget(userID string) {
	p, ok := s.load(userID)
	if !ok {
		return
	}
	p.mu.Lock()
	p.answers = make(map[string]Answer)
	p.version = s.seq.Add(1)
	p.mu.Unlock()
}

func (s *Store) load(userID string) (*userProfile, bool) {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userProfile), true
}

func (s *Store) loadOrCreate(userID string) *userProfile {
	if p, ok := s.load(userID); ok {
		return p
	}
	v, _ := s.users.LoadOrStore(userID, &userProfile{answers: make(map[string]Answer)})
	return v.(*userProfile)
}
