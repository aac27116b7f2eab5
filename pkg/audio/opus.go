package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"
)

// DefaultOpusFrameDuration is the packet duration devices send by default.
const DefaultOpusFrameDuration = 60 * time.Millisecond

// maxOpusPacketDuration bounds the decode buffer: no Opus packet is longer.
const maxOpusPacketDuration = 120 * time.Millisecond

// maxOpusPacketBytes is the recommended upper bound for one encoded packet.
const maxOpusPacketBytes = 4000

var (
	// ErrUnsupportedFormat is returned when an Opus codec is requested for a
	// sample rate, channel count or frame duration Opus cannot carry.
	ErrUnsupportedFormat = errors.New("audio: unsupported opus format")

	// ErrTruncatedStream is returned by [DecodeOpusStream] when the input
	// ends inside a length prefix or packet. The audio decoded before the
	// truncation point is returned alongside it.
	ErrTruncatedStream = errors.New("audio: truncated opus stream")
)

// OpusConfig describes an Opus stream.
type OpusConfig struct {
	SampleRate int
	Channels   int
	// FrameDuration is the duration of one packet. Zero means
	// [DefaultOpusFrameDuration].
	FrameDuration time.Duration
}

func (c OpusConfig) withDefaults() OpusConfig {
	if c.FrameDuration == 0 {
		c.FrameDuration = DefaultOpusFrameDuration
	}
	return c
}

func (c OpusConfig) validate() error {
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, c.Channels)
	}
	switch c.FrameDuration {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return fmt.Errorf("%w: frame duration %s", ErrUnsupportedFormat, c.FrameDuration)
	}
	return nil
}

// samplesPerPacket returns the per-channel sample count of one packet.
func (c OpusConfig) samplesPerPacket() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// OpusEncoder turns PCM frames of arbitrary length into fixed-duration Opus
// packets. Samples that do not fill a whole packet are carried over to the
// next Encode call. One encoder serves one output stream; it is not safe for
// concurrent use.
type OpusEncoder struct {
	cfg       OpusConfig
	enc       *gopus.Encoder
	frameSize int
	pending   []int16
}

// NewOpusEncoder creates an encoder tuned for speech.
func NewOpusEncoder(cfg OpusConfig) (*OpusEncoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{cfg: cfg, enc: enc, frameSize: cfg.samplesPerPacket()}, nil
}

// Config returns the encoder's stream parameters.
func (e *OpusEncoder) Config() OpusConfig { return e.cfg }

// Encode appends frame to the pending samples and returns every complete
// packet. The frame must already be in the encoder's format.
func (e *OpusEncoder) Encode(frame AudioFrame) ([][]byte, error) {
	if frame.sampleRate != e.cfg.SampleRate || frame.numChannels != e.cfg.Channels {
		return nil, fmt.Errorf("%w: encoder is %s, frame is %s",
			ErrFormatMismatch, formatString(e.cfg.SampleRate, e.cfg.Channels), frame.Format())
	}
	e.pending = append(e.pending, frame.Samples()...)

	step := e.frameSize * e.cfg.Channels
	var packets [][]byte
	for len(e.pending) >= step {
		pkt, err := e.enc.Encode(e.pending[:step], e.frameSize, maxOpusPacketBytes)
		if err != nil {
			return packets, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[step:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return packets, nil
}

// Flush zero-pads any pending samples to a whole packet and encodes it.
// It returns nil when nothing is pending.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	step := e.frameSize * e.cfg.Channels
	buf := make([]int16, step)
	copy(buf, e.pending)
	e.pending = nil
	pkt, err := e.enc.Encode(buf, e.frameSize, maxOpusPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return pkt, nil
}

// OpusDecoder decodes Opus packets into PCM frames. Decoder state carries
// across packets, so one decoder must serve exactly one stream.
type OpusDecoder struct {
	cfg     OpusConfig
	dec     *gopus.Decoder
	maxSize int
}

// NewOpusDecoder creates a decoder producing frames at cfg's sample rate and
// channel count. FrameDuration is ignored: packets of any legal duration are
// accepted.
func NewOpusDecoder(cfg OpusConfig) (*OpusDecoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	maxSize := int(int64(cfg.SampleRate) * int64(maxOpusPacketDuration) / int64(time.Second))
	return &OpusDecoder{cfg: cfg, dec: dec, maxSize: maxSize}, nil
}

// Decode decodes one packet.
func (d *OpusDecoder) Decode(packet []byte) (AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, d.maxSize, false)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return FrameFromPCM(int16sToBytes(pcm), d.cfg.SampleRate, d.cfg.Channels)
}

// EncodeOpusPackets encodes frame as headerless Opus packets of
// frameDuration each. A trailing partial packet is zero-padded.
func EncodeOpusPackets(frame AudioFrame, frameDuration time.Duration) ([][]byte, error) {
	enc, err := NewOpusEncoder(OpusConfig{
		SampleRate:    frame.sampleRate,
		Channels:      frame.numChannels,
		FrameDuration: frameDuration,
	})
	if err != nil {
		return nil, err
	}
	packets, err := enc.Encode(frame)
	if err != nil {
		return nil, err
	}
	last, err := enc.Flush()
	if err != nil {
		return nil, err
	}
	if last != nil {
		packets = append(packets, last)
	}
	return packets, nil
}

// DecodeOpusPackets decodes headerless packets into one frame.
func DecodeOpusPackets(packets [][]byte, cfg OpusConfig) (AudioFrame, error) {
	dec, err := NewOpusDecoder(cfg)
	if err != nil {
		return AudioFrame{}, err
	}
	frames := make([]AudioFrame, 0, len(packets))
	for i, pkt := range packets {
		f, err := dec.Decode(pkt)
		if err != nil {
			return AudioFrame{}, fmt.Errorf("packet %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return NewAudioFrame(nil, cfg.SampleRate, cfg.Channels, 0)
	}
	return CombineFrames(frames...)
}

// EncodeOpusStream encodes frame into the framed stream format: each packet
// prefixed with its length as a 2-byte big-endian integer.
func EncodeOpusStream(frame AudioFrame, frameDuration time.Duration) ([]byte, error) {
	packets, err := EncodeOpusPackets(frame, frameDuration)
	if err != nil {
		return nil, err
	}
	return AppendOpusStream(nil, packets...), nil
}

// AppendOpusStream appends length-prefixed packets to dst.
func AppendOpusStream(dst []byte, packets ...[]byte) []byte {
	for _, pkt := range packets {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(pkt)))
		dst = append(dst, pkt...)
	}
	return dst
}

// SplitOpusStream splits a framed stream into its packets. If the stream
// ends inside a prefix or packet, the complete packets are returned together
// with [ErrTruncatedStream].
func SplitOpusStream(b []byte) ([][]byte, error) {
	var packets [][]byte
	for len(b) > 0 {
		if len(b) < 2 {
			return packets, fmt.Errorf("%w: %d stray byte(s) after %d packets", ErrTruncatedStream, len(b), len(packets))
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < n {
			return packets, fmt.Errorf("%w: packet %d wants %d bytes, %d left", ErrTruncatedStream, len(packets), n, len(b))
		}
		packets = append(packets, b[:n])
		b = b[n:]
	}
	return packets, nil
}

// DecodeOpusStream decodes a framed stream. On [ErrTruncatedStream] the
// returned frame holds everything decoded before the truncation.
func DecodeOpusStream(b []byte, cfg OpusConfig) (AudioFrame, error) {
	packets, splitErr := SplitOpusStream(b)
	frame, err := DecodeOpusPackets(packets, cfg)
	if err != nil {
		return AudioFrame{}, err
	}
	return frame, splitErr
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}
