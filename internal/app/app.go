// Package app wires all voxgate subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the gateway, the health
// and metrics routes and the HTTP server, Run listens until the context is
// cancelled, and Shutdown disconnects devices and stops the server in order.
//
// For testing, inject collaborators via functional options (WithMetrics,
// WithKnowledge). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/hotctx"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Detector
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	knowledge hotctx.KnowledgeBase
	gateway   *gateway.Server
	server    *http.Server

	mu   sync.Mutex
	addr string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithKnowledge injects a knowledge base instead of loading
// agent.knowledge_file.
func WithKnowledge(kb hotctx.KnowledgeBase) Option {
	return func(a *App) { a.knowledge = kb }
}

// WithCloser registers fn to run during Shutdown, after the server stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Knowledge ─────────────────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 2. Recordings ────────────────────────────────────────────────────
	if dir := cfg.Pipeline.RecordingsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create recordings dir: %w", err)
		}
	}

	// ── 3. Gateway ───────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		STT:         providers.STT,
		LLM:         providers.LLM,
		TTS:         providers.TTS,
		VAD:         providers.VAD,
		Knowledge:   a.knowledge,
		Pipeline:    cfg.Pipeline,
		Agent:       cfg.Agent,
		AuthToken:   cfg.Server.AuthToken,
		MaxSessions: cfg.Server.MaxSessions,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gateway = gw

	// ── 4. HTTP routes ───────────────────────────────────────────────────
	checks := health.New(
		health.ProvidersChecker(map[string]bool{
			"stt": providers.STT != nil,
			"llm": providers.LLM != nil,
			"tts": providers.TTS != nil,
			"vad": providers.VAD != nil,
		}),
		health.CapacityChecker(gw.CheckCapacity),
	).WithSessions(gw.ActiveSessions)

	mux := http.NewServeMux()
	mux.Handle(gateway.Path, gw.Handler())
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initKnowledge loads the knowledge file unless a knowledge base was injected.
func (a *App) initKnowledge(_ context.Context) error {
	if a.knowledge != nil || a.cfg.Agent.KnowledgeFile == "" {
		return nil
	}
	store, err := hotctx.LoadKnowledgeFile(a.cfg.Agent.KnowledgeFile)
	if err != nil {
		return err
	}
	a.knowledge = store
	slog.Info("loaded knowledge", "path", a.cfg.Agent.KnowledgeFile, "entries", store.Len())
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler. Intended for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Addr returns the address the server is listening on, or "" before Run
// has bound its listener.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run listens on server.listen_addr and serves devices until ctx is
// cancelled. It returns ctx's error, or the listener error if serving failed.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects every device, stops the HTTP server and runs the
// registered closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.gateway.ActiveSessions(), "closers", len(a.closers))

		// Devices hold hijacked connections the HTTP server does not track.
		if err := a.gateway.Close(ctx); err != nil {
			slog.Warn("device disconnect incomplete", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
