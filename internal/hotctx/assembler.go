// Package hotctx assembles the knowledge injected into every reply prompt.
//
// Knowledge comes from two sources:
//
//  1. Entries pre-fetched while the user was still speaking, driven by
//     speculative partial transcripts (see [PreFetcher]).
//  2. Entries whose names appear in the final transcript. This also covers
//     recognisers that cannot produce partials.
//
// Use [FormatSystemPrompt] to render a [HotContext] into a system prompt.
package hotctx

import (
	"context"
	"time"
)

// HotContext is the assembled context for one reply.
type HotContext struct {
	// Knowledge lists the relevant entries, ordered by ID.
	Knowledge []Entry

	// PreFetched is the number of entries that were already cached when
	// assembly started.
	PreFetched int

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// Assembler combines pre-fetched entries with a lookup over the final
// transcript. A nil *Assembler is valid and assembles empty contexts.
type Assembler struct {
	prefetch   *PreFetcher
	maxEntries int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithMaxEntries caps the number of entries in [HotContext.Knowledge].
// Defaults to 8.
func WithMaxEntries(n int) Option {
	return func(a *Assembler) { a.maxEntries = n }
}

// NewAssembler creates an [Assembler] reading from prefetch.
func NewAssembler(prefetch *PreFetcher, opts ...Option) *Assembler {
	a := &Assembler{
		prefetch:   prefetch,
		maxEntries: 8,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble returns the knowledge relevant to transcript and resets the
// pre-fetch cache for the next turn.
func (a *Assembler) Assemble(ctx context.Context, transcript string) *HotContext {
	start := time.Now()
	if a == nil || a.prefetch == nil {
		return &HotContext{AssemblyDuration: time.Since(start)}
	}

	preFetched := len(a.prefetch.CachedEntries())
	a.prefetch.ProcessPartial(ctx, transcript)
	entries := a.prefetch.CachedEntries()
	a.prefetch.Reset()

	if a.maxEntries > 0 && len(entries) > a.maxEntries {
		entries = entries[:a.maxEntries]
	}
	return &HotContext{
		Knowledge:        entries,
		PreFetched:       preFetched,
		AssemblyDuration: time.Since(start),
	}
}
