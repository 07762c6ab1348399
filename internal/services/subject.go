package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// DefaultSubject is stored when nothing better can be derived.
	DefaultSubject = "(untitled)"

	defaultSubjectMaxLen = 32
	subjectMaxWords      = 8

	// requestMarker separates extracted attachment text from the user's
	// own words in a composed question.
	requestMarker = "User request:"
)

// Extract Unicode letters with optional trailing numbers (e.g., "gwi2025").
var subjectWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact subjects.
var subjectStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"what": {}, "how": {}, "do": {}, "does": {}, "can": {}, "you": {}, "me": {}, "please": {},
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// subjectFor picks the stored subject of a new conversation: the client's
// subject when given, else one derived from the question.
func subjectFor(requested, question string, locale language.Tag, max int) string {
	if max <= 0 {
		max = defaultSubjectMaxLen
	}
	if s := whitespaceRE.ReplaceAllString(strings.TrimSpace(requested), " "); s != "" {
		return clip(s, max)
	}
	if s := generateSubject(userTurnText(question), locale); s != "" {
		return clip(s, max)
	}
	return DefaultSubject
}

// generateSubject derives a concise title-cased subject from a question.
func generateSubject(question string, locale language.Tag) string {
	toks := subjectWordRE.FindAllString(strings.ToLower(question), -1)
	if len(toks) == 0 {
		return ""
	}
	if locale == language.Und {
		locale = language.English
	}
	caser := cases.Title(locale)
	out := make([]string, 0, subjectMaxWords)
	for _, w := range toks {
		if _, skip := subjectStopWords[w]; skip {
			continue
		}
		out = append(out, caser.String(w))
		if len(out) >= subjectMaxWords {
			break
		}
	}
	return strings.Join(out, " ")
}

// userTurnText is the part of a question stored as the user turn. When the
// question embeds attachment text, only what follows the last marker is
// kept.
func userTurnText(question string) string {
	if i := strings.LastIndex(question, requestMarker); i >= 0 {
		if rest := strings.TrimSpace(question[i+len(requestMarker):]); rest != "" {
			return rest
		}
	}
	return strings.TrimSpace(question)
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) > max {
		return strings.TrimSpace(string([]rune(s)[:max]))
	}
	return s
}
