// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	providerName     = "elevenlabs"
	defaultEndpoint  = "wss://api.elevenlabs.io/v1"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only raw PCM formats
// ("pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100") are accepted.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API base URL (scheme ws or wss).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithLogger sets the logger used for mid-stream failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	sampleRate   int
	endpoint     string
	logger       *slog.Logger
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	p.sampleRate = rate
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// parseOutputFormat extracts the sample rate from a "pcm_<rate>" format.
func parseOutputFormat(format string) (int, error) {
	rateStr, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("%w: output format %q is not raw PCM", provider.ErrUnsupportedConfig, format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: output format %q", provider.ErrUnsupportedConfig, format)
	}
	return rate, nil
}

// Format implements tts.Provider. ElevenLabs PCM output is always mono.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, resp, err := websocket.Dial(ctx, p.buildURL(voice.ID), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
			}
			if serr := provider.FromStatus(providerName, resp.StatusCode, string(body), resp.Header); serr != nil {
				return nil, serr
			}
		}
		return nil, provider.Classify(providerName, "dial", err)
	}

	// The first message opens the stream; ElevenLabs requires a single space.
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeedFactor}
	boi, _ := buildWSMessage(" ", vs)
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to open stream")
		return nil, provider.Classify(providerName, "open stream", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			p.readAudio(ctx, conn, audioCh)
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// End of input: an empty text closes the stream after
					// ElevenLabs has flushed the remaining audio.
					eos, _ := buildWSMessage("", nil)
					_ = conn.Write(ctx, websocket.MessageText, eos)
					<-readDone
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				// Trailing space keeps ElevenLabs from merging words across fragments.
				msg, _ := json.Marshal(textMessage{Text: sentence + " ", Flush: true})
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					if ctx.Err() == nil {
						p.logger.Warn("elevenlabs: write text failed", "err", err)
					}
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// readAudio forwards decoded audio until the final message, a read error or
// cancellation.
func (p *Provider) readAudio(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				p.logger.Warn("elevenlabs: read failed", "err", provider.Classify(providerName, "read", err))
			}
			return
		}
		pcm, final, err := parseAudioResponse(msg)
		if errors.Is(err, provider.ErrMalformedResponse) {
			p.logger.Debug("elevenlabs: skipping malformed message", "err", err)
			continue
		}
		if err != nil {
			p.logger.Warn("elevenlabs: synthesis failed", "err", err)
			return
		}
		if len(pcm) > 0 {
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}

// parseAudioResponse decodes one server message. A server-reported error is
// returned as a *provider.BaseError; undecodable payloads wrap
// [provider.ErrMalformedResponse].
func parseAudioResponse(data []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err)
	}
	if resp.Error != "" {
		return nil, false, &provider.BaseError{Provider: providerName, Message: resp.Error}
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("%w: audio: %w", provider.ErrMalformedResponse, err)
		}
	}
	return pcm, resp.IsFinal, nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURL constructs the stream-input WebSocket URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/text-to-speech/%s/stream-input?%s", p.endpoint, url.PathEscape(voiceID), q.Encode())
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
