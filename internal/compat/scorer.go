// Package compat computes pairwise compatibility between two users' shared
// answers and caches the results per answer version.
package compat

import (
	"math"
	"sort"

	"github.com/whisper/radar/internal/profile"
)

// DefaultHighlightCount is used when a TokenScorer has no HighlightCount.
const DefaultHighlightCount = 3

// Highlight is one matched answer pair surfaced to both users.
type Highlight struct {
	Category   string  `json:"category"`
	QuestionA  string  `json:"question_a"`
	QuestionB  string  `json:"question_b"`
	ValueA     string  `json:"value_a"`
	ValueB     string  `json:"value_b"`
	Similarity float64 `json:"similarity"`
}

// Result is the immutable outcome of scoring one pair. UserA is always the
// lexically smaller id.
type Result struct {
	UserA      string             `json:"user_a"`
	UserB      string             `json:"user_b"`
	Score      float64            `json:"score"`
	Categories map[string]float64 `json:"categories"`
	Highlights []Highlight        `json:"highlights"`
	Version    uint64             `json:"version"`
}

// Other returns the id of the pair member that is not userID.
func (r Result) Other(userID string) string {
	if r.UserA == userID {
		return r.UserB
	}
	return r.UserA
}

// Scorer is the pluggable scoring strategy. Implementations must be pure
// functions of their inputs and configuration.
type Scorer interface {
	Score(a, b profile.Snapshot) Result
}

// TokenScorer scores by category-weighted token overlap.
type TokenScorer struct {
	// Weights maps category to weight. Missing categories weigh 1 and a
	// weight of 0 excludes the category.
	Weights map[string]float64
	// HighlightCount caps the number of highlights. Zero means
	// DefaultHighlightCount; negative disables highlights.
	HighlightCount int
}

type tokenized struct {
	answer profile.Answer
	tokens []string
}

// Score implements Scorer.
func (s TokenScorer) Score(a, b profile.Snapshot) Result {
	if b.UserID < a.UserID {
		a, b = b, a
	}
	res := Result{
		UserA:      a.UserID,
		UserB:      b.UserID,
		Categories: map[string]float64{},
		Highlights: []Highlight{},
		Version:    max(a.Version, b.Version),
	}

	byCatA := partition(a.Answers)
	byCatB := partition(b.Answers)

	shared := make([]string, 0, len(byCatA))
	for cat := range byCatA {
		if _, ok := byCatB[cat]; ok && s.weight(cat) > 0 {
			shared = append(shared, cat)
		}
	}
	sort.Strings(shared)

	var weighted, total float64
	var pairs []Highlight
	for _, cat := range shared {
		sub, catPairs := categoryScore(cat, byCatA[cat], byCatB[cat])
		res.Categories[cat] = round2(sub)

		w := s.weight(cat)
		weighted += w * sub
		total += w
		pairs = append(pairs, catPairs...)
	}
	if total > 0 {
		res.Score = round2(weighted / total)
	}

	res.Highlights = s.topHighlights(pairs)
	return res
}

func (s TokenScorer) weight(category string) float64 {
	if w, ok := s.Weights[category]; ok {
		return w
	}
	return 1
}

// categoryScore pairs every answer on each side with its most similar answer
// on the other side and returns 100 × the mean of those best similarities,
// plus every pair with a positive similarity.
func categoryScore(category string, as, bs []tokenized) (float64, []Highlight) {
	bestB := make([]float64, len(bs))
	var sumA float64
	var pairs []Highlight

	for _, x := range as {
		var bestA float64
		for j, y := range bs {
			sim := similarity(x.answer, y.answer, x.tokens, y.tokens)
			bestA = max(bestA, sim)
			bestB[j] = max(bestB[j], sim)
			if sim > 0 {
				pairs = append(pairs, Highlight{
					Category:   category,
					QuestionA:  x.answer.QuestionID,
					QuestionB:  y.answer.QuestionID,
					ValueA:     x.answer.Value,
					ValueB:     y.answer.Value,
					Similarity: sim,
				})
			}
		}
		sumA += bestA
	}

	var sumB float64
	for _, v := range bestB {
		sumB += v
	}

	n := len(as) + len(bs)
	if n == 0 {
		return 0, nil
	}
	return 100 * (sumA + sumB) / float64(n), pairs
}

func (s TokenScorer) topHighlights(pairs []Highlight) []Highlight {
	n := s.HighlightCount
	if n == 0 {
		n = DefaultHighlightCount
	}
	if n < 0 || len(pairs) == 0 {
		return []Highlight{}
	}

	sort.Slice(pairs, func(i, j int) bool {
		pi, pj := pairs[i], pairs[j]
		if pi.Similarity != pj.Similarity {
			return pi.Similarity > pj.Similarity
		}
		if wi, wj := s.weight(pi.Category), s.weight(pj.Category); wi != wj {
			return wi > wj
		}
		if pi.Category != pj.Category {
			return pi.Category < pj.Category
		}
		if pi.QuestionA != pj.QuestionA {
			return pi.QuestionA < pj.QuestionA
		}
		return pi.QuestionB < pj.QuestionB
	})

	if len(pairs) > n {
		pairs = pairs[:n]
	}
	for i := range pairs {
		pairs[i].Similarity = round4(pairs[i].Similarity)
	}
	return pairs
}

// partition groups answers by category, keeping question-id order.
func partition(answers []profile.Answer) map[string][]tokenized {
	out := make(map[string][]tokenized)
	for _, a := range answers {
		out[a.Category] = append(out[a.Category], tokenized{answer: a, tokens: tokenize(a.Value)})
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool {
			return list[i].answer.QuestionID < list[j].answer.QuestionID
		})
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
