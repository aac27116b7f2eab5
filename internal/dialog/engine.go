// Package dialog turns a final transcript into a spoken reply.
//
// One call to [Engine.Respond] is one conversational turn:
//
//  1. Knowledge relevant to the transcript is assembled (see package hotctx)
//     and rendered into the system prompt.
//  2. The LLM streams the reply; tokens are split into sentences as they
//     arrive so synthesis can start after the first sentence.
//  3. Sentences are piped into one TTS stream whose PCM output is framed into
//     [audio.AudioFrame] values at the provider's format.
//
// Cancelling the context passed to Respond stops the turn at any point; this
// is how barge-in is implemented. Whatever text was produced before the
// cancel is kept in the conversation history.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/internal/hotctx"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

const (
	// DefaultMaxHistory is the number of history messages kept when
	// [Config.MaxHistory] is zero.
	DefaultMaxHistory = 20

	// textBuf is the buffer depth of the text channel feeding TTS.
	textBuf = 16

	// audioBuf is the buffer depth of [Reply.Audio].
	audioBuf = 32
)

// ErrEmptyTranscript is returned by [Engine.Respond] for blank input.
var ErrEmptyTranscript = errors.New("dialog: empty transcript")

// Config holds the collaborators and tunables of an [Engine].
type Config struct {
	// LLM generates the reply text. Required.
	LLM llm.Provider

	// TTS synthesises the reply. Required.
	TTS tts.Provider

	// Voice is passed to every synthesis call.
	Voice tts.VoiceProfile

	// SystemPrompt is the base prompt. Empty selects a short default.
	SystemPrompt string

	// Assembler supplies per-turn knowledge. Nil disables knowledge injection.
	Assembler *hotctx.Assembler

	// MaxHistory caps the number of remembered messages. Zero selects
	// [DefaultMaxHistory]; negative disables history.
	MaxHistory int

	// Temperature and MaxTokens are forwarded to the LLM.
	Temperature float64
	MaxTokens   int

	// Metrics receives latency and provider counters. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine runs conversational turns for one device. History is shared across
// turns; concurrent Respond calls are allowed but interleave their history
// entries in completion order.
type Engine struct {
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger

	turns atomic.Int64

	mu      sync.Mutex
	history []llm.Message
}

// New validates cfg and returns an [Engine].
func New(cfg Config) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, errors.New("dialog: LLM provider is required")
	}
	if cfg.TTS == nil {
		return nil, errors.New("dialog: TTS provider is required")
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	e := &Engine{
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Reply is the streaming result of one turn.
//
// Sentences yields each sentence as it is handed to synthesis and is closed
// when the LLM stream ends. Audio yields synthesised frames and is closed when
// synthesis ends; callers must drain it. Both are closed early when the turn's
// context is cancelled.
type Reply struct {
	Sentences *channel.Chan[string]
	Audio     <-chan audio.AudioFrame

	mu   sync.Mutex
	text strings.Builder

	streamErr atomic.Pointer[error]
	done      chan struct{}
}

// Text returns the reply text produced so far.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

// Err returns the error that ended the LLM stream, if any. It is only
// meaningful after [Reply.Done] is closed.
func (r *Reply) Err() error {
	if p := r.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed once both the text and the audio side of the turn finished.
func (r *Reply) Done() <-chan struct{} { return r.done }

func (r *Reply) setErr(err error) { r.streamErr.CompareAndSwap(nil, &err) }

func (r *Reply) appendText(sentence string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.text.Len() > 0 {
		r.text.WriteByte(' ')
	}
	r.text.WriteString(sentence)
}

// Respond starts a turn for transcript. It returns once the LLM and TTS
// streams are open; text and audio keep flowing through the [Reply].
//
// Failures that prevent either stream from starting are returned directly
// and leave the history untouched.
func (e *Engine) Respond(ctx context.Context, transcript string) (*Reply, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartTurnSpan(ctx, int(e.turns.Add(1)))
	ctx, cancel := context.WithCancel(ctx)
	fail := func(err error) (*Reply, error) {
		cancel()
		span.RecordError(err)
		span.End()
		return nil, err
	}

	hctx := e.cfg.Assembler.Assemble(ctx, transcript)
	e.logger.Debug("dialog: context assembled",
		"entries", len(hctx.Knowledge),
		"pre_fetched", hctx.PreFetched,
		"duration", hctx.AssemblyDuration,
	)

	req := llm.CompletionRequest{
		Messages:     append(e.History(), llm.Message{Role: llm.RoleUser, Content: transcript}),
		SystemPrompt: hotctx.FormatSystemPrompt(hctx, e.cfg.SystemPrompt),
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	}

	start := time.Now()
	chunks, err := e.cfg.LLM.StreamCompletion(ctx, req)
	if err != nil {
		e.recordFailure(ctx, "llm", err)
		return fail(fmt.Errorf("dialog: llm: %w", err))
	}
	e.metrics.RecordProviderRequest(ctx, "llm", "stream", "ok")

	textCh := make(chan string, textBuf)
	pcm, err := e.cfg.TTS.SynthesizeStream(ctx, textCh, e.cfg.Voice)
	if err != nil {
		go audio.Drain(chunks)
		e.recordFailure(ctx, "tts", err)
		return fail(fmt.Errorf("dialog: tts: %w", err))
	}
	e.metrics.RecordProviderRequest(ctx, "tts", "stream", "ok")

	frames := make(chan audio.AudioFrame, audioBuf)
	reply := &Reply{
		Sentences: channel.New[string](),
		Audio:     frames,
		done:      make(chan struct{}),
	}

	var firstSentence atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.forwardSentences(ctx, chunks, textCh, reply, start, &firstSentence)
		e.remember(transcript, reply.Text())
	}()
	go func() {
		defer wg.Done()
		e.frameAudio(ctx, pcm, frames, &firstSentence)
	}()
	go func() {
		wg.Wait()
		if err := reply.Err(); err != nil {
			span.RecordError(err)
		}
		span.End()
		cancel()
		close(reply.done)
	}()
	return reply, nil
}

// forwardSentences reads token chunks, splits them into sentences and writes
// each one to textCh and reply.Sentences. Any text remaining when the stream
// ends is flushed as a final fragment. textCh and reply.Sentences are closed
// on return.
func (e *Engine) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string, reply *Reply, start time.Time, firstSentence *atomic.Int64) {
	defer close(textCh)
	defer reply.Sentences.Close()
	defer audio.Drain(ch)

	var split sentenceSplitter
	firstToken := true
	emit := func(sentence string) bool {
		firstSentence.CompareAndSwap(0, time.Now().UnixNano())
		select {
		case textCh <- sentence:
		case <-ctx.Done():
			return false
		}
		reply.appendText(sentence)
		_ = reply.Sentences.Send(sentence)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				if rest := split.flush(); rest != "" {
					emit(rest)
				}
				return
			}
			if chunk.Err != nil || chunk.FinishReason == llm.FinishReasonError {
				err := chunk.Err
				if err == nil {
					err = errors.New("stream failed")
				}
				e.recordFailure(ctx, "llm", err)
				reply.setErr(fmt.Errorf("dialog: llm stream: %w", err))
				return
			}
			if chunk.Text != "" && firstToken {
				firstToken = false
				observe.RecordDuration(ctx, e.metrics.LLMDuration, start)
			}
			for _, sentence := range split.push(chunk.Text) {
				if !emit(sentence) {
					return
				}
			}
			if chunk.FinishReason != "" {
				if rest := split.flush(); rest != "" {
					emit(rest)
				}
				return
			}
		}
	}
}

// frameAudio converts raw PCM byte slices into frames at the TTS format. An
// odd trailing byte is carried into the next slice so samples never split.
func (e *Engine) frameAudio(ctx context.Context, pcm <-chan []byte, out chan<- audio.AudioFrame, firstSentence *atomic.Int64) {
	defer close(out)
	defer audio.Drain(pcm)

	format := e.cfg.TTS.Format()
	if format.Channels <= 0 {
		format.Channels = 1
	}
	align := 2 * format.Channels
	var carry []byte
	firstAudio := true

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-pcm:
			if !ok {
				return
			}
			if len(carry) > 0 {
				b = append(carry, b...)
				carry = nil
			}
			n := len(b) - len(b)%align
			if n < len(b) {
				carry = append([]byte(nil), b[n:]...)
			}
			if n == 0 {
				continue
			}
			frame, err := audio.FrameFromPCM(b[:n], format.SampleRate, format.Channels)
			if err != nil {
				e.logger.Warn("dialog: dropping malformed tts audio", "bytes", n, "err", err)
				continue
			}
			if firstAudio {
				firstAudio = false
				if ts := firstSentence.Load(); ts > 0 {
					observe.RecordDuration(ctx, e.metrics.TTSDuration, time.Unix(0, ts))
				}
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// remember appends one exchange to the history. Turns that produced no reply
// text are not recorded so the history keeps alternating roles.
func (e *Engine) remember(user, assistant string) {
	if e.cfg.MaxHistory < 0 || assistant == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if over := len(e.history) - e.cfg.MaxHistory; over > 0 {
		// Drop whole exchanges so the history never starts with a reply.
		over += over % 2
		e.history = append([]llm.Message(nil), e.history[over:]...)
	}
}

// History returns a copy of the remembered messages, oldest first.
func (e *Engine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llm.Message, len(e.history))
	copy(out, e.history)
	return out
}

// Reset forgets the conversation history.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

func (e *Engine) recordFailure(ctx context.Context, role string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := provider.Kind(err)
	e.metrics.RecordProviderError(ctx, role, kind)
	e.logger.Warn("dialog: provider failed", "provider", role, "kind", kind, "err", err)
}
