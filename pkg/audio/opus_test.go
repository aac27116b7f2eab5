package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func sineFrame(t *testing.T, rate, samples int) audio.AudioFrame {
	t.Helper()
	pcm := make([]float32, samples)
	for i := range pcm {
		pcm[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	f, err := audio.FrameFromFloat32(pcm, rate)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEncodeOpusPackets_PadsTrailingFrame(t *testing.T) {
	// 50 ms at 16 kHz with 20 ms packets: two full packets plus one padded.
	f := sineFrame(t, 16000, 800)
	packets, err := audio.EncodeOpusPackets(f, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("EncodeOpusPackets: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}

	got, err := audio.DecodeOpusPackets(packets, audio.OpusConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("DecodeOpusPackets: %v", err)
	}
	if got.Duration() != 60*time.Millisecond {
		t.Errorf("decoded duration = %s, want 60ms", got.Duration())
	}
}

func TestOpusStream_RoundTrip(t *testing.T) {
	f := sineFrame(t, 16000, 1920) // 120 ms
	stream, err := audio.EncodeOpusStream(f, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("EncodeOpusStream: %v", err)
	}
	packets, err := audio.SplitOpusStream(stream)
	if err != nil {
		t.Fatalf("SplitOpusStream: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	got, err := audio.DecodeOpusStream(stream, audio.OpusConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("DecodeOpusStream: %v", err)
	}
	if got.SamplesPerChannel() != 1920 {
		t.Errorf("SamplesPerChannel = %d, want 1920", got.SamplesPerChannel())
	}
}

func TestDecodeOpusStream_Truncated(t *testing.T) {
	f := sineFrame(t, 16000, 1920)
	stream, err := audio.EncodeOpusStream(f, 60*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	cfg := audio.OpusConfig{SampleRate: 16000, Channels: 1}
	for _, cut := range []int{1, 3} {
		got, err := audio.DecodeOpusStream(stream[:len(stream)-cut], cfg)
		if !errors.Is(err, audio.ErrTruncatedStream) {
			t.Fatalf("cut %d: err = %v, want ErrTruncatedStream", cut, err)
		}
		// The first packet is intact and must be returned.
		if got.SamplesPerChannel() != 960 {
			t.Errorf("cut %d: SamplesPerChannel = %d, want 960", cut, got.SamplesPerChannel())
		}
	}

	// A single stray length byte.
	if _, err := audio.SplitOpusStream([]byte{0}); !errors.Is(err, audio.ErrTruncatedStream) {
		t.Fatalf("stray byte: err = %v, want ErrTruncatedStream", err)
	}
}

func TestOpusEncoder_CarriesRemainder(t *testing.T) {
	enc, err := audio.NewOpusEncoder(audio.OpusConfig{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	// 15 ms then 15 ms: one packet after the second call.
	p1, err := enc.Encode(sineFrame(t, 16000, 240))
	if err != nil || len(p1) != 0 {
		t.Fatalf("first Encode = %d packets, %v; want 0, nil", len(p1), err)
	}
	p2, err := enc.Encode(sineFrame(t, 16000, 240))
	if err != nil || len(p2) != 1 {
		t.Fatalf("second Encode = %d packets, %v; want 1, nil", len(p2), err)
	}
	last, err := enc.Flush()
	if err != nil || last == nil {
		t.Fatalf("Flush = %v, %v; want packet", last, err)
	}
	if last, _ := enc.Flush(); last != nil {
		t.Error("second Flush returned a packet")
	}
}

func TestOpusConfig_Unsupported(t *testing.T) {
	tests := []audio.OpusConfig{
		{SampleRate: 44100, Channels: 1},
		{SampleRate: 16000, Channels: 3},
		{SampleRate: 16000, Channels: 1, FrameDuration: 30 * time.Millisecond},
	}
	for _, cfg := range tests {
		if _, err := audio.NewOpusEncoder(cfg); !errors.Is(err, audio.ErrUnsupportedFormat) {
			t.Errorf("NewOpusEncoder(%+v): err = %v, want ErrUnsupportedFormat", cfg, err)
		}
	}
}

func TestOpusEncoder_FormatMismatch(t *testing.T) {
	enc, err := audio.NewOpusEncoder(audio.OpusConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(sineFrame(t, 8000, 160)); !errors.Is(err, audio.ErrFormatMismatch) {
		t.Fatalf("err = %v, want ErrFormatMismatch", err)
	}
}
