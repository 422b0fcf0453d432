// Package audio holds the sample-level primitives of the voice pipeline:
// fixed-size PCM frames, the streaming resampler that produces them from a
// capture device, and byte codecs for the wire formats used by the transports.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the rate of every frame handed to the voice gate and
	// the transcription backend.
	DefaultSampleRate = 16000

	// FrameDuration is the length of one frame. At 16 kHz a frame holds 320
	// samples.
	FrameDuration = 20 * time.Millisecond
)

// FrameSamples returns the number of samples in one frame at sampleRate.
func FrameSamples(sampleRate int) int {
	return sampleRate * int(FrameDuration/time.Millisecond) / 1000
}

// Frame is a fixed-length block of mono 16-bit PCM samples. A Frame is
// immutable once produced; consumers must not modify Samples.
type Frame struct {
	// Samples holds exactly FrameSamples(SampleRate) samples.
	Samples []int16

	// SampleRate in Hz, normally [DefaultSampleRate].
	SampleRate int

	// Seq is the zero-based position of the frame in its capture stream.
	Seq uint64
}

// Bytes encodes the frame as little-endian signed 16-bit PCM, the binary
// payload expected by streaming transcription backends.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square energy of the frame normalised to [0, 1].
// An empty frame has zero energy.
func (f Frame) RMS() float64 {
	if len(f.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(f.Samples)))
}

// Duration reports the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
