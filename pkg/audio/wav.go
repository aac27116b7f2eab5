package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
	wavFormatPCM  = 1
)

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a 16-bit PCM
// RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical 44-byte
// RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// EncodeFramesWAV combines frames and encodes them as one WAV file.
func EncodeFramesWAV(frames []AudioFrame) ([]byte, error) {
	combined, err := CombineFrames(frames...)
	if err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return EncodeWAV(combined.data, combined.sampleRate, combined.numChannels), nil
}

// DecodeWAV parses a RIFF/WAVE file holding 16-bit PCM into a frame. Chunks
// other than "fmt " and "data" (LIST, fact, ...) are skipped. Compressed
// formats and other bit depths are rejected with [ErrInvalidWAV].
func DecodeWAV(b []byte) (AudioFrame, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return AudioFrame{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		channels   int
		sampleRate int
	)
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// Streaming writers leave the data size at 0 or 0xFFFFFFFF.
			if id == "data" {
				size = len(b) - body
			} else {
				return AudioFrame{}, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return AudioFrame{}, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, size)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != wavFormatPCM {
				return AudioFrame{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, format)
			}
			if bits != bitsPerSample {
				return AudioFrame{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return AudioFrame{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			// Drop a trailing partial sample frame rather than rejecting the file.
			stride := channels * bytesPerSample
			if stride <= 0 {
				return AudioFrame{}, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
			}
			n := size / stride * stride
			pcm := make([]byte, n)
			copy(pcm, b[body:body+n])
			f, err := FrameFromPCM(pcm, sampleRate, channels)
			if err != nil {
				return AudioFrame{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
			}
			return f, nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return AudioFrame{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}

// RMS returns the root-mean-square energy of 16-bit PCM, in sample units
// (0–32767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
