package hotctx

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption configures a [PhoneticMatcher].
type MatcherOption func(*PhoneticMatcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a name whose
// Double Metaphone codes overlap the phrase. Default: 0.70.
func WithPhoneticThreshold(v float64) MatcherOption {
	return func(m *PhoneticMatcher) { m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a name that
// does not sound alike but is spelled similarly. Default: 0.85.
func WithFuzzyThreshold(v float64) MatcherOption {
	return func(m *PhoneticMatcher) { m.fuzzyThreshold = v }
}

// PhoneticMatcher finds the knowledge name that sounds most like a phrase
// from a transcript. Recognisers regularly misspell proper names they have
// never seen ("elder nacks" for "Eldrinax"), so exact matching alone misses
// them.
//
// A name is a phonetic candidate when any Double Metaphone code of the
// phrase's words equals a code of the name's words. Candidates are ranked by
// Jaro-Winkler similarity. Without a phonetic candidate, plain Jaro-Winkler
// similarity above the stricter fuzzy threshold is accepted.
//
// A PhoneticMatcher is immutable and safe for concurrent use.
type PhoneticMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewPhoneticMatcher returns a matcher with the given options applied.
func NewPhoneticMatcher(opts ...MatcherOption) *PhoneticMatcher {
	m := &PhoneticMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the element of names closest to phrase and its similarity.
// ok is false when no name clears the thresholds.
func (m *PhoneticMatcher) Match(phrase string, names []string) (name string, score float64, ok bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || len(names) == 0 {
		return "", 0, false
	}
	words := strings.Fields(phrase)
	codes := metaphoneCodes(words)

	bestPhonetic := false
	for _, candidate := range names {
		lower := strings.ToLower(strings.TrimSpace(candidate))
		if lower == "" {
			continue
		}
		cwords := strings.Fields(lower)
		sim := similarity(words, cwords, phrase, lower)

		if sharesCode(codes, metaphoneCodes(cwords)) {
			if sim < m.phoneticThreshold {
				continue
			}
			// A phonetic candidate beats any spelling-only candidate.
			if !bestPhonetic || sim > score {
				name, score, ok, bestPhonetic = candidate, sim, true, true
			}
			continue
		}
		if !bestPhonetic && sim >= m.fuzzyThreshold && sim > score {
			name, score, ok = candidate, sim, true
		}
	}
	return name, score, ok
}

// metaphoneCodes returns the primary and secondary Double Metaphone codes of
// every word. Words without consonants produce no code.
func metaphoneCodes(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(words))
	for _, w := range words {
		primary, secondary := matchr.DoubleMetaphone(w)
		for _, c := range []string{primary, secondary} {
			if c != "" {
				codes[c] = struct{}{}
			}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// strings with spaces removed (catches "elder nacks" vs "eldrinax"), and
// every word pair.
func similarity(words, cwords []string, phrase, candidate string) float64 {
	best := matchr.JaroWinkler(phrase, candidate, false)
	if len(words) > 1 || len(cwords) > 1 {
		best = max(best, matchr.JaroWinkler(strings.Join(words, ""), strings.Join(cwords, ""), false))
	}
	for _, w := range words {
		for _, cw := range cwords {
			best = max(best, matchr.JaroWinkler(w, cw, false))
		}
	}
	return best
}
