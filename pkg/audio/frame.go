// Package audio defines the PCM frame model that flows between every pipeline
// stage, plus format conversion and the WAV and Opus codecs used at the
// transport boundary.
//
// An [AudioFrame] is an immutable value: 16-bit signed little-endian PCM with
// its sample rate, channel count and per-channel sample count. Passing a frame
// downstream transfers ownership; no stage retains or mutates a frame after
// sending it on, so backing buffers are never copied on the hot path.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// bytesPerSample is fixed: every frame carries 16-bit PCM.
const bytesPerSample = 2

var (
	// ErrInvalidFrame is returned when frame dimensions and data length do not
	// agree.
	ErrInvalidFrame = errors.New("audio: invalid frame")

	// ErrFormatMismatch is returned by [CombineFrames] when the inputs differ
	// in sample rate or channel count.
	ErrFormatMismatch = errors.New("audio: frame format mismatch")

	// ErrNoFrames is returned by [CombineFrames] when called without frames.
	ErrNoFrames = errors.New("audio: no frames to combine")
)

// AudioFrame is an immutable block of interleaved 16-bit PCM audio. The zero
// value is an empty frame with no format; construct frames with
// [NewAudioFrame], [FrameFromPCM] or [FrameFromFloat32].
type AudioFrame struct {
	data              []byte
	sampleRate        int
	numChannels       int
	samplesPerChannel int
}

// NewAudioFrame validates and wraps data. The buffer must hold exactly
// numChannels*samplesPerChannel 16-bit samples; an odd, short or long buffer
// is rejected. data is not copied: the caller hands over ownership.
func NewAudioFrame(data []byte, sampleRate, numChannels, samplesPerChannel int) (AudioFrame, error) {
	if sampleRate <= 0 || numChannels <= 0 || samplesPerChannel < 0 {
		return AudioFrame{}, fmt.Errorf("%w: sample_rate=%d channels=%d samples_per_channel=%d",
			ErrInvalidFrame, sampleRate, numChannels, samplesPerChannel)
	}
	if len(data)%bytesPerSample != 0 {
		return AudioFrame{}, fmt.Errorf("%w: odd byte count %d", ErrInvalidFrame, len(data))
	}
	want := numChannels * samplesPerChannel * bytesPerSample
	if len(data) != want {
		return AudioFrame{}, fmt.Errorf("%w: got %d bytes, want %d for %s x %d samples",
			ErrInvalidFrame, len(data), want, formatString(sampleRate, numChannels), samplesPerChannel)
	}
	return AudioFrame{
		data:              data,
		sampleRate:        sampleRate,
		numChannels:       numChannels,
		samplesPerChannel: samplesPerChannel,
	}, nil
}

// FrameFromPCM wraps data and derives the per-channel sample count from its
// length. The length must be a whole number of interleaved sample frames.
func FrameFromPCM(data []byte, sampleRate, numChannels int) (AudioFrame, error) {
	if numChannels <= 0 {
		return AudioFrame{}, fmt.Errorf("%w: channels=%d", ErrInvalidFrame, numChannels)
	}
	stride := numChannels * bytesPerSample
	if len(data)%stride != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidFrame, len(data), stride)
	}
	return NewAudioFrame(data, sampleRate, numChannels, len(data)/stride)
}

// FrameFromFloat32 builds a mono frame from samples in [-1, 1]. Values outside
// that range are clamped.
func FrameFromFloat32(samples []float32, sampleRate int) (AudioFrame, error) {
	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v)))
	}
	return NewAudioFrame(data, sampleRate, 1, len(samples))
}

// Data returns the raw PCM bytes. Callers must not modify the returned slice.
func (f AudioFrame) Data() []byte { return f.data }

// SampleRate returns the sample rate in Hz.
func (f AudioFrame) SampleRate() int { return f.sampleRate }

// NumChannels returns the number of interleaved channels.
func (f AudioFrame) NumChannels() int { return f.numChannels }

// SamplesPerChannel returns the number of samples in each channel.
func (f AudioFrame) SamplesPerChannel() int { return f.samplesPerChannel }

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.sampleRate, Channels: f.numChannels}
}

// Duration returns samplesPerChannel / sampleRate.
func (f AudioFrame) Duration() time.Duration {
	if f.sampleRate <= 0 {
		return 0
	}
	return time.Duration(f.samplesPerChannel) * time.Second / time.Duration(f.sampleRate)
}

// Samples decodes the frame into interleaved int16 samples.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.data)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.data[i*2:]))
	}
	return out
}

// Float32Mono down-mixes the frame to mono float32 samples normalised to
// [-1, 1) by averaging all channels per sample frame.
func (f AudioFrame) Float32Mono() []float32 {
	ch := max(f.numChannels, 1)
	out := make([]float32, f.samplesPerChannel)
	for i := range out {
		var sum float32
		for c := range ch {
			idx := (i*ch + c) * bytesPerSample
			sum += float32(int16(binary.LittleEndian.Uint16(f.data[idx:]))) / 32768.0
		}
		out[i] = sum / float32(ch)
	}
	return out
}

// String implements fmt.Stringer.
func (f AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame(%s, %d samples, %s)",
		formatString(f.sampleRate, f.numChannels), f.samplesPerChannel, f.Duration())
}

// CombineFrames concatenates frames into one. All frames must share sample
// rate and channel count; the result's samplesPerChannel is the sum of the
// inputs. A single frame is returned as is.
func CombineFrames(frames ...AudioFrame) (AudioFrame, error) {
	if len(frames) == 0 {
		return AudioFrame{}, ErrNoFrames
	}
	if len(frames) == 1 {
		return frames[0], nil
	}
	first := frames[0]
	total := 0
	size := 0
	for i, f := range frames {
		if f.sampleRate != first.sampleRate {
			return AudioFrame{}, fmt.Errorf("%w: frame %d sample rate %d, want %d",
				ErrFormatMismatch, i, f.sampleRate, first.sampleRate)
		}
		if f.numChannels != first.numChannels {
			return AudioFrame{}, fmt.Errorf("%w: frame %d has %d channels, want %d",
				ErrFormatMismatch, i, f.numChannels, first.numChannels)
		}
		total += f.samplesPerChannel
		size += len(f.data)
	}
	data := make([]byte, 0, size)
	for _, f := range frames {
		data = append(data, f.data...)
	}
	return AudioFrame{
		data:              data,
		sampleRate:        first.sampleRate,
		numChannels:       first.numChannels,
		samplesPerChannel: total,
	}, nil
}

// TotalDuration sums the durations of frames.
func TotalDuration(frames []AudioFrame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration()
	}
	return d
}
