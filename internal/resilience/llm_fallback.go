package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy provider and returns a
// streaming chunk channel. A backend whose stream fails before its first
// chunk counts as failed and the next one is tried. Once a chunk has been
// delivered, later errors arrive as a terminal chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return awaitFirstChunk(ctx, ch)
	})
}

// awaitFirstChunk blocks until ch yields its first chunk. An error chunk is
// returned as an error; otherwise the returned channel replays the first
// chunk followed by the rest of ch.
func awaitFirstChunk(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case c, ok := <-ch:
		if !ok {
			out := make(chan llm.Chunk)
			close(out)
			return out, nil
		}
		first = c
	case <-ctx.Done():
		go drainChunks(ch)
		return nil, ctx.Err()
	}

	if first.FinishReason == llm.FinishReasonError {
		go drainChunks(ch)
		if first.Err != nil {
			return nil, first.Err
		}
		return nil, errors.New(first.Text)
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				drainChunks(ch)
				return
			}
		}
	}()
	return out, nil
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
