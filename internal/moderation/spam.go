package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// urlPattern matches scheme and www links plus bare domains followed by a
	// path, so "v2.0" or "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|me|app|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches international and local phone formats delimited
	// by whitespace, e.g. +1-555-123-4567 or (555) 123-4567.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// handlePattern matches social handles pushed to move the conversation
	// off the radar, e.g. "@someone" or "ig: someone".
	handlePattern = regexp.MustCompile(`(?i)(?:^|\s)(?:@[a-z0-9_.]{3,}|(?:ig|insta|snap|sc|tg|telegram|whatsapp)\s*[:=]\s*\S+)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks run in order; the first match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "contact_handle", match: handlePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports 6 or more consecutive identical characters. RE2 has
// no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 6

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word three or more
// times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) Result {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Result{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return Result{}
}
