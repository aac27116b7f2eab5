// Package config provides the configuration schema, loader, and provider registry
// for the voxgate voice gateway.
package config

import "time"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// ASRMode selects how recognition segments start.
type ASRMode string

const (
	// ASRModeAuto starts a segment on the first voiced frame.
	ASRModeAuto ASRMode = "auto"

	// ASRModeManual starts a segment only on an explicit client start.
	ASRModeManual ASRMode = "manual"
)

// IsValid reports whether m is a recognised mode.
func (m ASRMode) IsValid() bool {
	return m == ASRModeAuto || m == ASRModeManual
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// AuthToken, when set, must be presented by devices as a bearer token.
	AuthToken string `yaml:"auth_token"`

	// MaxSessions caps concurrently connected devices. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of traces sampled, in [0, 1]. Zero
	// samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// breaker is open. Nested fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// PipelineConfig tunes the streaming pipeline.
type PipelineConfig struct {
	VAD    VADConfig    `yaml:"vad"`
	ASR    ASRConfig    `yaml:"asr"`
	Output OutputConfig `yaml:"output"`

	// RecordingsDir, when set, receives one WAV file per recognised utterance.
	RecordingsDir string `yaml:"recordings_dir"`
}

// VADConfig holds the speech detector tunables. Zero values select the
// detector defaults.
type VADConfig struct {
	// SampleRate is the model rate: 8000 or 16000.
	SampleRate int `yaml:"sample_rate"`

	ActivationThreshold   float64       `yaml:"activation_threshold"`
	DeactivationThreshold float64       `yaml:"deactivation_threshold"`
	SmoothingFactor       float64       `yaml:"smoothing_factor"`
	MinSpeechDuration     time.Duration `yaml:"min_speech_duration"`
	MinSilenceDuration    time.Duration `yaml:"min_silence_duration"`
	PrefixPadding         time.Duration `yaml:"prefix_padding"`
	MaxBufferedSpeech     time.Duration `yaml:"max_buffered_speech"`
}

// ASRConfig controls recognition sessions.
type ASRConfig struct {
	// Mode is "auto" (default) or "manual".
	Mode ASRMode `yaml:"mode"`

	// Language is the BCP-47 recognition language. Empty lets the provider
	// detect it.
	Language string `yaml:"language"`

	// PrefetchThreshold is the voiced-frame count that triggers a speculative
	// recognition. Zero selects the default.
	PrefetchThreshold int `yaml:"prefetch_threshold"`

	// RetryAttempts bounds connection attempts per segment. Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the first retry delay. Default: 200ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// CloseTimeout bounds how long stream shutdown may take. Default: 2s.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// OutputConfig describes the audio sent back to devices.
type OutputConfig struct {
	// SampleRate of the Opus stream sent to devices. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the Opus stream. Default: 1.
	Channels int `yaml:"channels"`

	// FrameDuration of each Opus packet. Default: 60ms.
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// AgentConfig describes the assistant persona.
type AgentConfig struct {
	// SystemPrompt is the base instruction for every reply.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice configures the TTS voice.
	Voice VoiceConfig `yaml:"voice"`

	// KnowledgeFile is an optional YAML file of knowledge entries.
	KnowledgeFile string `yaml:"knowledge_file"`

	// MaxHistory caps the remembered conversation messages per device.
	MaxHistory int `yaml:"max_history"`

	// Temperature and MaxTokens are forwarded to the LLM.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Defaults used by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultOutputSampleRate = 24000
	DefaultFrameDuration    = 60 * time.Millisecond
)

// ApplyDefaults fills unset fields that other packages do not default
// themselves.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Pipeline.ASR.Mode == "" {
		c.Pipeline.ASR.Mode = ASRModeAuto
	}
	if c.Pipeline.Output.SampleRate == 0 {
		c.Pipeline.Output.SampleRate = DefaultOutputSampleRate
	}
	if c.Pipeline.Output.Channels == 0 {
		c.Pipeline.Output.Channels = 1
	}
	if c.Pipeline.Output.FrameDuration == 0 {
		c.Pipeline.Output.FrameDuration = DefaultFrameDuration
	}
}
