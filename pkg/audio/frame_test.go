package audio_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestNewAudioFrame_Valid(t *testing.T) {
	tests := []struct {
		name     string
		rate     int
		channels int
		samples  int
		want     time.Duration
	}{
		{"16k mono 20ms", 16000, 1, 320, 20 * time.Millisecond},
		{"8k mono 32ms window", 8000, 1, 256, 32 * time.Millisecond},
		{"48k stereo 10ms", 48000, 2, 480, 10 * time.Millisecond},
		{"24k mono 1s", 24000, 1, 24000, time.Second},
		{"empty", 16000, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.channels*tt.samples*2)
			f, err := audio.NewAudioFrame(data, tt.rate, tt.channels, tt.samples)
			if err != nil {
				t.Fatalf("NewAudioFrame: %v", err)
			}
			if f.Duration() != tt.want {
				t.Errorf("Duration = %s, want %s", f.Duration(), tt.want)
			}
			if f.SamplesPerChannel() != tt.samples || f.NumChannels() != tt.channels || f.SampleRate() != tt.rate {
				t.Errorf("accessors = (%d, %d, %d), want (%d, %d, %d)",
					f.SampleRate(), f.NumChannels(), f.SamplesPerChannel(), tt.rate, tt.channels, tt.samples)
			}
		})
	}
}

func TestNewAudioFrame_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		rate     int
		channels int
		samples  int
	}{
		{"short", 638, 16000, 1, 320},
		{"long", 642, 16000, 1, 320},
		{"odd", 641, 16000, 1, 320},
		{"stereo counted as mono", 640, 16000, 2, 320},
		{"zero rate", 640, 0, 1, 320},
		{"zero channels", 640, 16000, 0, 320},
		{"negative samples", 0, 16000, 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.NewAudioFrame(make([]byte, tt.size), tt.rate, tt.channels, tt.samples)
			if !errors.Is(err, audio.ErrInvalidFrame) {
				t.Fatalf("err = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestFrameFromPCM_MisalignedStereo(t *testing.T) {
	// 6 bytes is three samples: not a whole number of stereo pairs.
	if _, err := audio.FrameFromPCM(make([]byte, 6), 48000, 2); !errors.Is(err, audio.ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestCombineFrames(t *testing.T) {
	f1 := mustFrame(t, []int16{1, 2, 3}, 16000, 1)
	f2 := mustFrame(t, []int16{4, 5}, 16000, 1)

	got, err := audio.CombineFrames(f1, f2)
	if err != nil {
		t.Fatalf("CombineFrames: %v", err)
	}
	if got.SamplesPerChannel() != 5 {
		t.Errorf("SamplesPerChannel = %d, want 5", got.SamplesPerChannel())
	}
	want := append(append([]byte{}, f1.Data()...), f2.Data()...)
	if !bytes.Equal(got.Data(), want) {
		t.Errorf("Data = %v, want %v", got.Data(), want)
	}
	// Inputs must be untouched.
	if f1.SamplesPerChannel() != 3 || len(f1.Data()) != 6 {
		t.Error("CombineFrames modified its input")
	}
}

func TestCombineFrames_Errors(t *testing.T) {
	mono16 := mustFrame(t, []int16{1, 2}, 16000, 1)
	mono8 := mustFrame(t, []int16{1, 2}, 8000, 1)
	stereo16 := mustFrame(t, []int16{1, 2}, 16000, 2)

	tests := []struct {
		name   string
		frames []audio.AudioFrame
		want   error
	}{
		{"none", nil, audio.ErrNoFrames},
		{"rate mismatch", []audio.AudioFrame{mono16, mono8}, audio.ErrFormatMismatch},
		{"channel mismatch", []audio.AudioFrame{mono16, stereo16}, audio.ErrFormatMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.CombineFrames(tt.frames...); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameFromFloat32(t *testing.T) {
	f, err := audio.FrameFromFloat32([]float32{0, 1, -1, 2, -2}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	got := f.Samples()
	want := []int16{0, 32767, -32767, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloat32Mono_Downmix(t *testing.T) {
	f := mustFrame(t, []int16{16384, 0, -16384, -16384}, 16000, 2)
	got := f.Float32Mono()
	want := []float32{0.25, -0.5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTotalDuration(t *testing.T) {
	frames := []audio.AudioFrame{
		mustFrame(t, make([]int16, 160), 16000, 1),
		mustFrame(t, make([]int16, 320), 16000, 1),
	}
	if d := audio.TotalDuration(frames); d != 30*time.Millisecond {
		t.Fatalf("TotalDuration = %s, want 30ms", d)
	}
}
