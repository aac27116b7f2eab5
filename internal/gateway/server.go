// Package gateway serves the device WebSocket protocol.
//
// Each connected device gets its own pipeline: incoming audio (Opus or raw
// PCM) is pushed into a VAD stream, speech segments are recognised by an
// [asr.Session], final transcripts drive a [dialog.Engine] and the spoken
// reply is Opus-encoded back to the device. New speech while a reply is
// playing cancels the reply (barge-in).
//
// Protocol summary (text frames are JSON, see [Message]):
//
//	device  → hello  {audio_params}
//	gateway → hello  {session_id, audio_params}
//	device  → listen {state: start|stop|detect, mode, text}
//	device  → abort
//	gateway → stt {text} · llm {text} · tts {state, text} · error {message}
//
// Binary frames carry audio in both directions.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/hotctx"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Path is the route devices connect to.
const Path = "/v1/ws"

// maxMessageSize bounds a single WebSocket message. One PCM frame of 120 ms
// stereo at 48 kHz is ~23 KiB; the limit leaves generous headroom.
const maxMessageSize = 1 << 20

// ErrTooManySessions is reported by readiness checks when the session limit
// is reached.
var ErrTooManySessions = errors.New("gateway: session limit reached")

// Config holds the collaborators of a [Server].
type Config struct {
	// STT, LLM, TTS and VAD are shared by every device session. STT and VAD
	// are required; without LLM or TTS devices only receive transcripts.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Detector

	// Knowledge, if set, feeds the per-device pre-fetcher.
	Knowledge hotctx.KnowledgeBase

	Pipeline config.PipelineConfig
	Agent    config.AgentConfig

	// AuthToken, when non-empty, must be presented as a bearer token.
	AuthToken string

	// MaxSessions caps concurrent devices. Zero means unlimited.
	MaxSessions int

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server accepts device connections and runs one pipeline per device.
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*deviceSession
	closed   bool
	wg       sync.WaitGroup
}

// New validates cfg and returns a [Server].
func New(cfg Config) (*Server, error) {
	if cfg.STT == nil {
		return nil, errors.New("gateway: STT provider is required")
	}
	if cfg.VAD == nil {
		return nil, errors.New("gateway: VAD detector is required")
	}
	if cfg.MaxSessions < 0 {
		return nil, errors.New("gateway: max sessions must not be negative")
	}
	cfg.Pipeline.Output = outputDefaults(cfg.Pipeline.Output)
	s := &Server{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		sessions: make(map[string]*deviceSession),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

func outputDefaults(o config.OutputConfig) config.OutputConfig {
	if o.SampleRate == 0 {
		o.SampleRate = config.DefaultOutputSampleRate
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.FrameDuration == 0 {
		o.FrameDuration = config.DefaultFrameDuration
	}
	return o
}

// Handler returns an http.Handler serving:
//
//	GET /v1/ws — device WebSocket
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, s.handleWS)
	return mux
}

// ActiveSessions returns the number of connected devices.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CheckCapacity returns [ErrTooManySessions] when no further device could
// connect. It is meant for readiness probes.
func (s *Server) CheckCapacity(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("gateway: shutting down")
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return ErrTooManySessions
	}
	return nil
}

// Close disconnects every device and waits until all sessions have ended or
// ctx is done. New connections are refused afterwards.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, ds := range s.sessions {
		ds.shutdown(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWS handles GET /v1/ws.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("Device-Id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	if deviceID == "" {
		http.Error(w, "device id is required", http.StatusBadRequest)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := uuid.NewString()
	ds := newDeviceSession(s, id, deviceID)
	if err := s.reserve(ds); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.release(ds)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: accept failed", "device_id", deviceID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ds.run(r.Context(), conn)
}

// authorized checks the bearer token in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) reserve(ds *deviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("gateway: shutting down")
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return ErrTooManySessions
	}
	s.sessions[ds.id] = ds
	s.wg.Add(1)
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	return nil
}

func (s *Server) release(ds *deviceSession) {
	s.mu.Lock()
	delete(s.sessions, ds.id)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.wg.Done()
}
