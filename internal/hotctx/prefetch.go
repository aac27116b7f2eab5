package hotctx

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// PreFetcher speculatively looks up knowledge entries whose names appear in
// partial transcripts. Hits are cached so that by the time the reply prompt
// is assembled the relevant facts are already at hand.
//
// All exported methods are goroutine-safe.
type PreFetcher struct {
	kb     KnowledgeBase
	logger *slog.Logger

	matcher *PhoneticMatcher

	mu      sync.RWMutex
	names   map[string]string // lowercase name, alias or distinctive word → entry ID
	phrases []string          // lowercase full names and aliases, for phonetic matching
	maxLen  int               // word count of the longest phrase
	cache   map[string]*Entry // entry ID → fetched entry
}

// PreFetchOption configures a [PreFetcher].
type PreFetchOption func(*PreFetcher)

// WithPhoneticMatching makes the pre-fetcher also accept names that merely
// sound like words of the partial transcript.
func WithPhoneticMatching(m *PhoneticMatcher) PreFetchOption {
	return func(p *PreFetcher) { p.matcher = m }
}

// NewPreFetcher creates a [PreFetcher] backed by kb. Call
// [PreFetcher.RefreshEntryList] before the first turn to build the name index.
// A nil logger selects slog.Default().
func NewPreFetcher(kb KnowledgeBase, logger *slog.Logger, opts ...PreFetchOption) *PreFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PreFetcher{
		kb:     kb,
		logger: logger,
		names:  make(map[string]string),
		cache:  make(map[string]*Entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RefreshEntryList reloads every entry and rebuilds the lowercase name → ID
// index from names and aliases.
func (p *PreFetcher) RefreshEntryList(ctx context.Context) error {
	entries, err := p.kb.Entries(ctx)
	if err != nil {
		return fmt.Errorf("pre-fetch: reload entry list: %w", err)
	}

	names := make(map[string]string, len(entries))
	var phrases []string
	maxLen := 0
	// Full names and aliases first so they always win over single words.
	for _, e := range entries {
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				names[n] = e.ID
				phrases = append(phrases, n)
				maxLen = max(maxLen, len(strings.Fields(n)))
			}
		}
	}
	// Words of at least four characters allow partial matches, e.g. "station"
	// finds "Central Station". On a collision the first entry keeps the word.
	for _, e := range entries {
		for _, word := range strings.Fields(strings.ToLower(e.Name)) {
			if len(word) < 4 {
				continue
			}
			if _, exists := names[word]; !exists {
				names[word] = e.ID
			}
		}
	}

	p.mu.Lock()
	p.names = names
	p.phrases = phrases
	p.maxLen = maxLen
	p.mu.Unlock()
	return nil
}

// ProcessPartial scans a partial transcript for known names using
// case-insensitive substring matching and fetches entries not yet cached.
// With phonetic matching enabled, word sequences of the partial that sound
// like a name count as well.
//
// It returns only the newly fetched entries; cache hits stay available
// through [PreFetcher.CachedEntries]. Lookup errors are logged and skipped so
// a failed pre-fetch never blocks the voice path.
func (p *PreFetcher) ProcessPartial(ctx context.Context, partial string) []Entry {
	lower := strings.ToLower(partial)

	var toFetch []string
	seen := make(map[string]bool)
	p.mu.RLock()
	for name, id := range p.names {
		if seen[id] || !strings.Contains(lower, name) {
			continue
		}
		seen[id] = true
		if _, cached := p.cache[id]; !cached {
			toFetch = append(toFetch, id)
		}
	}
	if p.matcher != nil {
		for _, id := range p.soundsLike(lower) {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, cached := p.cache[id]; !cached {
				toFetch = append(toFetch, id)
			}
		}
	}
	p.mu.RUnlock()

	if len(toFetch) == 0 {
		return []Entry{}
	}
	slices.Sort(toFetch)

	fetched := make([]*Entry, 0, len(toFetch))
	for _, id := range toFetch {
		e, err := p.kb.Entry(ctx, id)
		if err != nil {
			p.logger.Debug("pre-fetch: lookup failed", "entry_id", id, "err", err)
			continue
		}
		if e != nil {
			fetched = append(fetched, e)
		}
	}

	result := make([]Entry, 0, len(fetched))
	p.mu.Lock()
	for _, e := range fetched {
		if _, already := p.cache[e.ID]; already {
			continue
		}
		p.cache[e.ID] = e
		result = append(result, *e)
	}
	p.mu.Unlock()
	return result
}

// soundsLike returns the IDs of names that phonetically match a run of up to
// maxLen words of text. Runs shorter than four letters are skipped; they
// match too much. The caller holds p.mu.
func (p *PreFetcher) soundsLike(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	var ids []string
	for n := 1; n <= p.maxLen; n++ {
		for i := 0; i+n <= len(words); i++ {
			run := strings.Join(words[i:i+n], " ")
			if len(run) < 4 {
				continue
			}
			name, score, ok := p.matcher.Match(run, p.phrases)
			if !ok {
				continue
			}
			p.logger.Debug("pre-fetch: phonetic match", "heard", run, "name", name, "score", score)
			ids = append(ids, p.names[name])
		}
	}
	return ids
}

// CachedEntries returns every entry fetched since the last
// [PreFetcher.Reset], ordered by ID.
func (p *PreFetcher) CachedEntries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.cache))
	for _, e := range p.cache {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Names returns the indexed lookup keys, sorted. Intended for diagnostics.
func (p *PreFetcher) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.names))
}

// Reset clears the cache. Call it once a turn has consumed the pre-fetched
// entries so they do not bleed into the next prompt.
func (p *PreFetcher) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]*Entry)
	p.mu.Unlock()
}
