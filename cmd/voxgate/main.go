// Command voxgate is the main entry point for the voxgate voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxgate/pkg/provider/llm/openai"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxgate/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/silero"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithCloser(func() error {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTelemetry(tctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// The names match [config.ValidProviderNames].
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := config.OptInt(entry.Options, "max_buffer_ms"); ms > 0 {
			opts = append(opts, whisper.WithMaxBufferDuration(time.Duration(ms)*time.Millisecond))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other vendor goes through any-llm-go. Ollama and the llama.cpp
	// servers take BaseURL as their address and need no key.
	for _, name := range anyllm.Backends {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := config.OptString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	// silero runs the ONNX model; model_path is required, lib_path points at
	// the onnxruntime shared library when it is not on the default path.
	reg.RegisterVAD("silero", func(entry config.ProviderEntry, tun config.VADConfig) (vad.Detector, error) {
		modelPath := config.OptString(entry.Options, "model_path")
		if modelPath == "" {
			return nil, errors.New("silero: options.model_path is required")
		}
		factory := silero.NewONNXFactory(modelPath, config.OptString(entry.Options, "lib_path"))
		return silero.New(factory, sileroOptions(tun)...)
	})

	// energy uses the RMS graph; it needs no model and suits development.
	reg.RegisterVAD("energy", func(_ config.ProviderEntry, tun config.VADConfig) (vad.Detector, error) {
		return silero.New(silero.NewEnergyFactory(), sileroOptions(tun)...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// sileroOptions maps the pipeline VAD tunables onto detector options. Zero
// values keep the detector defaults.
func sileroOptions(tun config.VADConfig) []silero.Option {
	opts := []silero.Option{silero.WithLogger(slog.Default())}
	if tun.SampleRate != 0 {
		opts = append(opts, silero.WithSampleRate(tun.SampleRate))
	}
	if tun.ActivationThreshold != 0 {
		opts = append(opts, silero.WithActivationThreshold(tun.ActivationThreshold))
	}
	if tun.DeactivationThreshold != 0 {
		opts = append(opts, silero.WithDeactivationThreshold(tun.DeactivationThreshold))
	}
	if tun.SmoothingFactor != 0 {
		opts = append(opts, silero.WithSmoothingFactor(tun.SmoothingFactor))
	}
	if tun.MinSpeechDuration != 0 {
		opts = append(opts, silero.WithMinSpeechDuration(tun.MinSpeechDuration))
	}
	if tun.MinSilenceDuration != 0 {
		opts = append(opts, silero.WithMinSilenceDuration(tun.MinSilenceDuration))
	}
	if tun.PrefixPadding != 0 {
		opts = append(opts, silero.WithPrefixPadding(tun.PrefixPadding))
	}
	if tun.MaxBufferedSpeech != 0 {
		opts = append(opts, silero.WithMaxBufferedSpeech(tun.MaxBufferedSpeech))
	}
	return opts
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Entries with fallbacks are wrapped in resilience fallback groups.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fbCfg := resilience.FallbackConfig{Logger: slog.Default()}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.STT = p
		if len(entry.Fallbacks) > 0 {
			group := resilience.NewSTTFallback(p, entry.Name, fbCfg)
			for _, fb := range entry.Fallbacks {
				fp, err := reg.CreateSTT(fb)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
			}
			ps.STT = group
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = p
		if len(entry.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(p, entry.Name, fbCfg)
			for _, fb := range entry.Fallbacks {
				fp, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
			}
			ps.LLM = group
		}
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = p
		if len(entry.Fallbacks) > 0 {
			group := resilience.NewTTSFallback(p, entry.Name, fbCfg)
			for _, fb := range entry.Fallbacks {
				fp, err := reg.CreateTTS(fb)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
				}
				if err := group.AddFallback(fb.Name, fp); err != nil {
					return nil, fmt.Errorf("tts fallback %q: %w", fb.Name, err)
				}
			}
			ps.TTS = group
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := reg.CreateVAD(entry, cfg.Pipeline.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", entry.Name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxgate — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  ASR mode        : %-19s ║\n", cfg.Pipeline.ASR.Mode)
	if cfg.Server.MaxSessions > 0 {
		fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Server.MaxSessions)
	} else {
		fmt.Printf("║  Max sessions    : %-19s ║\n", "(unlimited)")
	}
	if cfg.Server.AuthToken != "" {
		fmt.Printf("║  Auth            : %-19s ║\n", "bearer token")
	} else {
		fmt.Printf("║  Auth            : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
