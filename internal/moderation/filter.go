// Package moderation screens text that other radar users will see: shared
// answers and display handles. It blocks a keyword list (with leetspeak
// folding) and spam patterns such as links and phone numbers.
package moderation

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Result is the outcome of a check. Reason is "blocked_keyword" or
// "spam_pattern"; Term names the matched keyword or pattern.
type Result struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}

// defaultTerms is the built-in blocklist. Deployments extend it with
// NewFilterWithTerms.
var defaultTerms = []string{
	"fuck", "shit", "bitch", "cunt", "asshole", "slut", "whore",
	"retard", "faggot", "nigger",
	"kill yourself", "kys", "go die",
	"onlyfans", "venmo me", "cashapp",
}

// Filter checks text against a keyword list and the spam patterns. It is
// immutable and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter returns a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter blocking terms. Multi-word terms match
// as consecutive whole words; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		parts := tokenizePlain(t)
		switch len(parts) {
		case 0:
		case 1:
			f.words[parts[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, parts)
		}
	}
	return f
}

// Check screens text. Keywords are checked before spam patterns.
func (f *Filter) Check(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}
	if r := f.checkKeywords(text); r.Blocked {
		return r
	}
	return f.checkSpamPatterns(text)
}

// Clean returns the values of a tag list that pass Check, in order.
func (f *Filter) Clean(values []string) []string {
	return lo.Filter(values, func(v string, _ int) bool {
		return !f.Check(v).Blocked
	})
}

func (f *Filter) checkKeywords(text string) Result {
	plain := tokenizePlain(text)
	leet := lo.Map(tokenizeLeet(text), func(t string, _ int) string { return normalizeLeet(t) })

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return Result{Blocked: true, Reason: "blocked_keyword", Term: tok}
			}
		}
		for _, p := range f.phrases {
			if containsRun(tokens, p) {
				return Result{Blocked: true, Reason: "blocked_keyword", Term: strings.Join(p, " ")}
			}
		}
	}
	return Result{}
}

// containsRun reports whether run occurs in tokens as consecutive elements.
func containsRun(tokens, run []string) bool {
	for i := 0; i+len(run) <= len(tokens); i++ {
		match := true
		for j := range run {
			if tokens[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace and ordinary punctuation only, keeping
// the symbols leetspeak substitutes for letters.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		_, leet := leetMap[r]
		return !leet
	})
}

var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't',
	'@': 'a', '$': 's', '!': 'i', '+': 't',
}

// normalizeLeet folds leetspeak symbols back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if l, ok := leetMap[r]; ok {
			return l
		}
		return r
	}, s)
}
