package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMalformedPCM is returned when a binary payload cannot hold a whole number
// of samples.
var ErrMalformedPCM = errors.New("audio: malformed pcm payload")

// DecodeFloat32LE decodes a little-endian IEEE-754 float32 sample block, the
// format browsers deliver from an AudioWorklet.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, ErrMalformedPCM
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
