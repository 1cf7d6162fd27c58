package compat

import (
	"sort"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/profile"
)

// tokenize lower-cases s, splits it on runs of anything that is not a letter
// or digit and returns the distinct tokens in sorted order.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := lo.Uniq(fields)
	sort.Strings(tokens)
	return tokens
}

// dice returns the Sørensen–Dice coefficient 2|A∩B| / (|A|+|B|) of two token
// sets, which equals 2J/(1+J) for their Jaccard index J.
func dice(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := len(lo.Intersect(a, b))
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// similarity compares two answers in [0,1]. Single-choice answers to the same
// question match exactly or not at all; everything else is token overlap.
func similarity(a, b profile.Answer, ta, tb []string) float64 {
	if a.QuestionID == b.QuestionID && a.Kind == catalog.Choice && b.Kind == catalog.Choice {
		if strings.EqualFold(strings.TrimSpace(a.Value), strings.TrimSpace(b.Value)) && a.Value != "" {
			return 1
		}
		return 0
	}
	return dice(ta, tb)
}
