package convo

import (
	"regexp"
	"strings"
	"unicode"
)

// ExitMatcher decides whether a transcript ends the conversation. It is a
// plain predicate so the state machine never hardcodes phrase policy.
type ExitMatcher func(text string) bool

// NewExitMatcher matches any configured phrase on word boundaries anywhere in
// the transcript: "thanks, bye" ends a conversation, "nonstop music" does
// not trip over "stop".
func NewExitMatcher(phrases []string) ExitMatcher {
	patterns := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		p = normalizePhrase(p)
		if p == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(p)+`\b`))
	}

	return func(text string) bool {
		text = normalizePhrase(text)
		if text == "" {
			return false
		}
		for _, re := range patterns {
			if re.MatchString(text) {
				return true
			}
		}
		return false
	}
}

// normalizePhrase lowercases and keeps letters, digits, apostrophes and
// spaces, so "That's all." matches "that's all".
func normalizePhrase(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
