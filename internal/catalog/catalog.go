// Package catalog provides the question catalog the profile store validates
// answers against. The catalog is owned outside the radar core; this package
// only loads it (from built-in defaults or Postgres) and serves lookups.
package catalog

import (
	"fmt"
	"sort"
)

// Kind describes how an answer value is compared.
type Kind string

const (
	// Choice is a single categorical value; equal values match exactly.
	Choice Kind = "choice"
	// Multi is a comma-separated list of tags.
	Multi Kind = "multi"
	// Text is free text, compared by token overlap.
	Text Kind = "text"
)

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	return k == Choice || k == Multi || k == Text
}

// Question is one catalog entry.
type Question struct {
	ID       string `json:"id" mapstructure:"id"`
	Category string `json:"category" mapstructure:"category"`
	Prompt   string `json:"prompt" mapstructure:"prompt"`
	Kind     Kind   `json:"kind" mapstructure:"kind"`
}

// Static is an immutable in-memory catalog. It is safe for concurrent use.
type Static struct {
	byID map[string]Question
}

// NewStatic builds a catalog from questions. Duplicate ids, empty ids or
// categories and unknown kinds are rejected.
func NewStatic(questions []Question) (*Static, error) {
	byID := make(map[string]Question, len(questions))
	for _, q := range questions {
		if q.ID == "" || q.Category == "" {
			return nil, fmt.Errorf("catalog: question %q: id and category are required", q.ID)
		}
		if !q.Kind.Valid() {
			return nil, fmt.Errorf("catalog: question %q: unknown kind %q", q.ID, q.Kind)
		}
		if _, dup := byID[q.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate question id %q", q.ID)
		}
		byID[q.ID] = q
	}
	return &Static{byID: byID}, nil
}

// Lookup returns the question with the given id.
func (s *Static) Lookup(id string) (Question, bool) {
	q, ok := s.byID[id]
	return q, ok
}

// Questions returns all questions ordered by category, then id.
func (s *Static) Questions() []Question {
	out := make([]Question, 0, len(s.byID))
	for _, q := range s.byID {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of questions.
func (s *Static) Len() int {
	return len(s.byID)
}

// DefaultQuestions is the built-in catalog used when no database is
// configured. The same rows are seeded by the initial migration.
func DefaultQuestions() []Question {
	return []Question{
		{ID: "interests", Category: "interests", Prompt: "What do you love doing in your free time?", Kind: Multi},
		{ID: "music", Category: "interests", Prompt: "Which music genres do you listen to?", Kind: Multi},
		{ID: "diet", Category: "lifestyle", Prompt: "How would you describe your diet?", Kind: Choice},
		{ID: "schedule", Category: "lifestyle", Prompt: "Are you an early bird or a night owl?", Kind: Choice},
		{ID: "looking_for", Category: "goals", Prompt: "What are you looking for right now?", Kind: Choice},
		{ID: "five_year", Category: "goals", Prompt: "Where do you see yourself in five years?", Kind: Text},
		{ID: "daily_perfect_day", Category: "daily", Prompt: "Describe your perfect Sunday.", Kind: Text},
		{ID: "daily_superpower", Category: "daily", Prompt: "Which superpower would you pick and why?", Kind: Text},
	}
}

// Default returns a Static catalog of DefaultQuestions.
func Default() *Static {
	s, err := NewStatic(DefaultQuestions())
	if err != nil {
		panic(err)
	}
	return s
}
