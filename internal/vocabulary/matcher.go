package vocabulary

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultCutoff is the minimum similarity ratio for a fuzzy match.
const DefaultCutoff = 0.4

// Matcher resolves transcript text to at most one vocabulary command.
// It is safe for concurrent use.
type Matcher struct {
	commands []string
	lowered  []string
	runes    [][]string
	cutoff   float64
}

func NewMatcher(v Vocabulary, cutoff float64) *Matcher {
	if cutoff <= 0 || cutoff > 1 {
		cutoff = DefaultCutoff
	}
	lowered := make([]string, len(v.commands))
	runes := make([][]string, len(v.commands))
	for i, cmd := range v.commands {
		lowered[i] = strings.ToLower(strings.TrimSpace(cmd))
		runes[i] = chars(lowered[i])
	}
	return &Matcher{commands: v.Commands(), lowered: lowered, runes: runes, cutoff: cutoff}
}

// Match prefers a command contained in the text (case-insensitive) and
// falls back to the closest fuzzy match at or above the cutoff. Equal scores
// go to the lexicographically greatest lower-cased entry, as difflib's
// get_close_matches orders them.
func (m *Matcher) Match(text string) (string, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return "", false
	}
	for i, cmd := range m.lowered {
		if strings.Contains(text, cmd) {
			return m.commands[i], true
		}
	}

	word := chars(text)
	best, bestScore := -1, 0.0
	sm := difflib.NewMatcher(nil, word)
	for i, candidate := range m.runes {
		sm.SetSeq1(candidate)
		if sm.RealQuickRatio() < m.cutoff || sm.QuickRatio() < m.cutoff {
			continue
		}
		score := sm.Ratio()
		if score < m.cutoff {
			continue
		}
		if best < 0 || score > bestScore || (score == bestScore && m.lowered[i] > m.lowered[best]) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return "", false
	}
	return m.commands[best], true
}

// Similarity reports the difflib ratio between two strings, case-insensitive.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(chars(strings.ToLower(a)), chars(strings.ToLower(b))).Ratio()
}

func chars(s string) []string {
	return strings.Split(s, "")
}
