package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestWAV_RoundTrip(t *testing.T) {
	for _, channels := range []int{1, 2} {
		samples := make([]int16, 200*channels)
		for i := range samples {
			samples[i] = int16(i*37 - 3000)
		}
		f := mustFrame(t, samples, 22050, channels)

		wav := audio.EncodeWAV(f.Data(), f.SampleRate(), f.NumChannels())
		if len(wav) != 44+len(f.Data()) {
			t.Fatalf("wav length = %d, want %d", len(wav), 44+len(f.Data()))
		}
		got, err := audio.DecodeWAV(wav)
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if got.SampleRate() != 22050 || got.NumChannels() != channels {
			t.Errorf("format = %s, want 22050Hz %dch", got.Format(), channels)
		}
		if !bytes.Equal(got.Data(), f.Data()) {
			t.Errorf("channels=%d: PCM not preserved", channels)
		}
	}
}

func TestEncodeFramesWAV(t *testing.T) {
	frames := []audio.AudioFrame{
		mustFrame(t, []int16{1, 2}, 16000, 1),
		mustFrame(t, []int16{3}, 16000, 1),
	}
	wav, err := audio.EncodeFramesWAV(frames)
	if err != nil {
		t.Fatal(err)
	}
	got, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if got.SamplesPerChannel() != 3 {
		t.Fatalf("SamplesPerChannel = %d, want 3", got.SamplesPerChannel())
	}

	if _, err := audio.EncodeFramesWAV(nil); !errors.Is(err, audio.ErrNoFrames) {
		t.Fatalf("err = %v, want ErrNoFrames", err)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	pcm := samplesToBytes([]int16{10, 20, 30})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'a', 'b', 'c', 0) // padded to even

	var b []byte
	b = append(b, wav[:36]...)
	b = append(b, list...)
	b = append(b, wav[36:]...)

	got, err := audio.DecodeWAV(b)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !bytes.Equal(got.Data(), pcm) {
		t.Errorf("Data = %v, want %v", got.Data(), pcm)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	valid := audio.EncodeWAV(samplesToBytes([]int16{1, 2}), 16000, 1)

	float := bytes.Clone(valid)
	binary.LittleEndian.PutUint16(float[20:22], 3) // IEEE float

	eightBit := bytes.Clone(valid)
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not riff", []byte("RIFX0000WAVEfmt ")},
		{"float", float},
		{"8 bit", eightBit},
		{"header only", valid[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.DecodeWAV(tt.in); !errors.Is(err, audio.ErrInvalidWAV) {
				t.Fatalf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS(samplesToBytes([]int16{1000, -1000, 1000, -1000})); got != 1000 {
		t.Errorf("RMS = %v, want 1000", got)
	}
}
