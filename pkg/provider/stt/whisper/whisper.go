// Package whisper provides a whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary (which exposes a REST API at
// POST /inference). whisper.cpp is a batch transcription engine, so the
// provider is classified as [stt.InterfaceNonStream]: a session buffers PCM
// until Finish and then submits the utterance as one WAV upload. Utterances
// longer than the maximum buffer duration are split and submitted in order.
//
// Because each request is independent, the provider also implements
// [stt.Recognizer]: any finished frame can be transcribed on the side without
// touching session state, which is what speculative prefetch relies on.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Finish(ctx)
//	transcript := <-handle.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	providerName = "whisper"

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which a buffer is considered silent and not submitted.
	defaultRMSThreshold = 300.0

	defaultLanguage          = "en"
	defaultSampleRate        = 16000
	defaultMaxBufferDuration = 30 * time.Second
	defaultRequestTimeout    = 30 * time.Second
)

// Compile-time assertions.
var (
	_ stt.Provider   = (*Provider)(nil)
	_ stt.Recognizer = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the default audio sample rate in Hz used when the
// StreamConfig does not name one. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithMaxBufferDuration sets how much audio may accumulate in one session
// before it is submitted regardless of Finish. Defaults to 30 s.
func WithMaxBufferDuration(d time.Duration) Option {
	return func(p *Provider) {
		p.maxBufferDuration = d
	}
}

// WithRMSThreshold sets the energy below which buffered audio is treated as
// silence and never submitted. Zero submits everything.
func WithRMSThreshold(v float64) Option {
	return func(p *Provider) {
		p.rmsThreshold = v
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithLogger sets the logger for skipped or failed requests.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each session maintains its
// own audio buffer and worker goroutine.
type Provider struct {
	serverURL         string
	model             string
	language          string
	sampleRate        int
	maxBufferDuration time.Duration
	rmsThreshold      float64
	httpClient        *http.Client
	logger            *slog.Logger
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:         strings.TrimRight(serverURL, "/"),
		language:          defaultLanguage,
		sampleRate:        defaultSampleRate,
		maxBufferDuration: defaultMaxBufferDuration,
		rmsThreshold:      defaultRMSThreshold,
		httpClient:        &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// InterfaceType implements stt.Provider.
func (p *Provider) InterfaceType() stt.InterfaceType { return stt.InterfaceNonStream }

// StartStream opens a new transcription session. No network connection is
// established until the first submission.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		p:        p,
		language: lang,
		format:   audio.Format{SampleRate: sr, Channels: ch},
		maxBytes: int(p.maxBufferDuration.Seconds() * float64(sr*ch*2)),
		jobs:     channel.New[[]byte](),
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		cancel:   cancel,
	}
	s.task = channel.Go(sessCtx, s.run)
	return s, nil
}

// Recognize transcribes frame in a single request. It implements
// stt.Recognizer and never touches session state.
func (p *Provider) Recognize(ctx context.Context, frame audio.AudioFrame, cfg stt.StreamConfig) (stt.Transcript, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	wav := audio.EncodeWAV(frame.Data(), frame.SampleRate(), frame.NumChannels())
	text, err := p.transcribe(ctx, wav, lang)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, Duration: frame.Duration()}, nil
}

// ---- session ----------------------------------------------------------------

// session is a live whisper transcription session. It implements
// stt.SessionHandle. Submissions are queued as jobs and processed in order by
// a single worker task, so finals are emitted in audio order.
type session struct {
	p        *Provider
	language string
	format   audio.Format
	maxBytes int

	mu       sync.Mutex
	buffer   []byte
	finished bool
	err      error

	jobs     *channel.Chan[[]byte]
	partials chan stt.Transcript
	finals   chan stt.Transcript

	task      *channel.Task
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SendAudio appends a chunk of raw 16-bit little-endian PCM to the utterance
// buffer.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return stt.ErrSessionClosed
	}
	s.buffer = append(s.buffer, chunk...)
	if s.maxBytes > 0 && len(s.buffer) >= s.maxBytes {
		_ = s.jobs.Send(s.buffer)
		s.buffer = nil
	}
	return nil
}

// Partials returns a read-only channel that emits interim Transcript values.
// Each partial is emitted together with its final; they carry identical
// text. The channel is closed when the session ends.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits authoritative Transcript
// values. The channel is closed when the session ends.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Finish submits the remaining buffer and ends the session once every
// submission has been answered.
func (s *session) Finish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return stt.ErrSessionClosed
	}
	s.finished = true
	if len(s.buffer) > 0 {
		_ = s.jobs.Send(s.buffer)
		s.buffer = nil
	}
	s.jobs.Close()
	return nil
}

// Err returns the first submission failure, classified into the provider
// error taxonomy.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the session. Queued submissions are dropped and an
// in-flight request is cancelled.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.buffer = nil
		s.mu.Unlock()
		s.jobs.Abort()
		_ = s.task.CancelAndWait(defaultRequestTimeout)
	})
	return nil
}

// run is the worker loop. It owns the output channels.
func (s *session) run(ctx context.Context) error {
	defer close(s.partials)
	defer close(s.finals)
	defer s.cancel()

	for pcm := range s.jobs.All(ctx) {
		if s.p.rmsThreshold > 0 && audio.RMS(pcm) < s.p.rmsThreshold {
			s.p.logger.Debug("whisper: skipping silent buffer", "bytes", len(pcm))
			continue
		}
		wav := audio.EncodeWAV(pcm, s.format.SampleRate, s.format.Channels)
		text, err := s.p.transcribe(ctx, wav, s.language)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.p.logger.Warn("whisper: transcription failed", "err", err)
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			continue
		}
		if text == "" {
			continue
		}
		dur := time.Duration(len(pcm)/(2*s.format.Channels)) * time.Second / time.Duration(s.format.SampleRate)
		select {
		case s.partials <- stt.Transcript{Text: text, Duration: dur}:
		default:
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true, Duration: dur}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// transcribe POSTs wav to the whisper.cpp /inference endpoint as
// multipart/form-data and returns the trimmed text. Failures are classified
// into the provider error taxonomy.
func (p *Provider) transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", provider.Classify(providerName, "inference request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", provider.Classify(providerName, "read response", err)
	}
	if err := provider.FromStatus(providerName, resp.StatusCode, string(data), resp.Header); err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &provider.BaseError{
			Provider: providerName,
			Message:  "parse response",
			Err:      fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err),
		}
	}
	return strings.TrimSpace(result.Text), nil
}
