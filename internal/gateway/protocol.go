package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Message types of the device protocol. Every text frame is one JSON object
// with a "type" field.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeTTS    = "tts"
	TypeError  = "error"
)

// Listen states sent by the device.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// TTS states sent by the gateway.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

// Audio formats a device may stream.
const (
	FormatOpus = "opus"
	FormatPCM  = "pcm"
)

// AudioParams describes one direction of the audio stream.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// defaultInputParams is assumed until the device says otherwise.
var defaultInputParams = AudioParams{
	Format:        FormatOpus,
	SampleRate:    16000,
	Channels:      1,
	FrameDuration: int(audio.DefaultOpusFrameDuration / time.Millisecond),
}

// withDefaults fills zero fields from defaultInputParams.
func (p AudioParams) withDefaults() AudioParams {
	if p.Format == "" {
		p.Format = defaultInputParams.Format
	}
	if p.SampleRate == 0 {
		p.SampleRate = defaultInputParams.SampleRate
	}
	if p.Channels == 0 {
		p.Channels = defaultInputParams.Channels
	}
	if p.FrameDuration == 0 {
		p.FrameDuration = defaultInputParams.FrameDuration
	}
	return p
}

func (p AudioParams) validate() error {
	if p.Format != FormatOpus && p.Format != FormatPCM {
		return fmt.Errorf("gateway: unsupported audio format %q", p.Format)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("gateway: invalid sample rate %d", p.SampleRate)
	}
	if p.Channels != 1 && p.Channels != 2 {
		return fmt.Errorf("gateway: invalid channel count %d", p.Channels)
	}
	return nil
}

func (p AudioParams) opusConfig() audio.OpusConfig {
	return audio.OpusConfig{
		SampleRate:    p.SampleRate,
		Channels:      p.Channels,
		FrameDuration: time.Duration(p.FrameDuration) * time.Millisecond,
	}
}

// Message is the envelope of every JSON frame in either direction. Fields not
// used by a type are omitted.
type Message struct {
	Type string `json:"type"`

	// SessionID is set on the server hello.
	SessionID string `json:"session_id,omitempty"`

	// AudioParams is set on both hellos.
	AudioParams *AudioParams `json:"audio_params,omitempty"`

	// State is used by listen and tts.
	State string `json:"state,omitempty"`

	// Mode is used by listen start: "auto" or "manual".
	Mode string `json:"mode,omitempty"`

	// Text carries transcripts, sentences and detect input.
	Text string `json:"text,omitempty"`

	// Message carries the error description.
	Message string `json:"message,omitempty"`
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("gateway: decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("gateway: message without type")
	}
	return m, nil
}
