package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
	"vad": {"silero", "energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; any device may connect")
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
		"vad": cfg.Providers.VAD,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
		if entry.Name == "" && len(entry.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s has fallbacks but no primary name", kind))
		}
	}
	if cfg.Providers.STT.Name == "" || cfg.Providers.LLM.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("stt, llm and tts providers are not all configured; devices will not get replies")
	}

	// Pipeline
	errs = append(errs, validateVAD(cfg.Pipeline.VAD)...)

	asr := cfg.Pipeline.ASR
	if asr.Mode != "" && !asr.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.asr.mode %q is invalid; valid values: auto, manual", asr.Mode))
	}
	if asr.PrefetchThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.asr.prefetch_threshold %d must not be negative", asr.PrefetchThreshold))
	}
	if asr.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.asr.retry_attempts %d must not be negative", asr.RetryAttempts))
	}
	if asr.RetryBackoff < 0 || asr.CloseTimeout < 0 {
		errs = append(errs, errors.New("pipeline.asr durations must not be negative"))
	}

	out := cfg.Pipeline.Output
	switch out.SampleRate {
	case 0, 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("pipeline.output.sample_rate %d is not an Opus rate (8000, 12000, 16000, 24000, 48000)", out.SampleRate))
	}
	if out.Channels < 0 || out.Channels > 2 {
		errs = append(errs, fmt.Errorf("pipeline.output.channels %d must be 1 or 2", out.Channels))
	}
	switch out.FrameDuration {
	case 0, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		errs = append(errs, fmt.Errorf("pipeline.output.frame_duration %s is invalid; valid values: 10ms, 20ms, 40ms, 60ms", out.FrameDuration))
	}

	// Agent
	if sf := cfg.Agent.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}
	if t := cfg.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}

	return errors.Join(errs...)
}

func validateVAD(v VADConfig) []error {
	var errs []error
	switch v.SampleRate {
	case 0, 8000, 16000:
	default:
		errs = append(errs, fmt.Errorf("pipeline.vad.sample_rate %d is unsupported; valid values: 8000, 16000", v.SampleRate))
	}
	if v.ActivationThreshold < 0 || v.ActivationThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.activation_threshold %.2f is out of range [0, 1]", v.ActivationThreshold))
	}
	if v.DeactivationThreshold < 0 || v.DeactivationThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.deactivation_threshold %.2f is out of range [0, 1]", v.DeactivationThreshold))
	}
	if v.ActivationThreshold > 0 && v.DeactivationThreshold > v.ActivationThreshold {
		errs = append(errs, fmt.Errorf("pipeline.vad.deactivation_threshold %.2f must not exceed activation_threshold %.2f", v.DeactivationThreshold, v.ActivationThreshold))
	}
	if v.SmoothingFactor < 0 || v.SmoothingFactor > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.smoothing_factor %.2f is out of range [0, 1]", v.SmoothingFactor))
	}
	if v.MinSpeechDuration < 0 || v.MinSilenceDuration < 0 || v.PrefixPadding < 0 || v.MaxBufferedSpeech < 0 {
		errs = append(errs, errors.New("pipeline.vad durations must not be negative"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
