package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ProducerOption configures a [FrameProducer].
type ProducerOption func(*FrameProducer)

// WithTargetRate sets the output sample rate. Default: [DefaultSampleRate].
func WithTargetRate(rate int) ProducerOption {
	return func(p *FrameProducer) {
		if rate > 0 {
			p.dstRate = rate
		}
	}
}

// FrameProducer converts variable-length float sample blocks captured at a
// device's native rate into fixed-size mono 16-bit frames at the target rate.
//
// Resampling is linear interpolation. The last input sample and the fractional
// read position are carried between calls, so splitting a stream into blocks
// at arbitrary boundaries yields the same output as pushing it in one piece.
// Resampled samples that do not fill a whole frame wait in a carry buffer
// until the next call.
//
// Create one per capture stream; a FrameProducer is not safe for concurrent use.
type FrameProducer struct {
	srcRate  int
	dstRate  int
	step     float64
	frameLen int

	primed    bool
	position  float64 // read position; 0 addresses lastInput, k+1 addresses block[k]
	lastInput float32

	carry []int16
	seq   uint64

	warnedMalformed sync.Once
}

// NewFrameProducer returns a FrameProducer for a capture stream at srcRate Hz.
func NewFrameProducer(srcRate int, opts ...ProducerOption) (*FrameProducer, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("audio: invalid source sample rate %d", srcRate)
	}
	p := &FrameProducer{
		srcRate: srcRate,
		dstRate: DefaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	p.step = float64(p.srcRate) / float64(p.dstRate)
	p.frameLen = FrameSamples(p.dstRate)
	p.carry = make([]int16, 0, p.frameLen)
	return p, nil
}

// SourceRate returns the capture rate the producer was created for.
func (p *FrameProducer) SourceRate() int { return p.srcRate }

// TargetRate returns the output sample rate.
func (p *FrameProducer) TargetRate() int { return p.dstRate }

// Push resamples block and returns every frame completed by it, in capture
// order. Empty blocks and blocks holding NaN or infinite samples are skipped
// without output.
func (p *FrameProducer) Push(block []float32) []Frame {
	if len(block) == 0 {
		return nil
	}
	for _, s := range block {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			p.warnedMalformed.Do(func() {
				slog.Warn("audio: dropping capture block with non-finite samples",
					"samples", len(block),
					"source_rate", p.srcRate,
				)
			})
			return nil
		}
	}

	if !p.primed {
		// The first output sample coincides with the first input sample.
		p.lastInput = block[0]
		p.position = 1
		p.primed = true
	}

	at := func(i int) float32 {
		if i == 0 {
			return p.lastInput
		}
		return block[i-1]
	}

	n := len(block)
	var frames []Frame
	for p.position <= float64(n) {
		i := int(p.position)
		frac := p.position - float64(i)
		v := float64(at(i))
		if frac > 0 {
			v = v*(1-frac) + float64(at(i+1))*frac
		}
		frames = p.appendSample(toPCM16(v), frames)
		p.position += p.step
	}

	p.position -= float64(n)
	p.lastInput = block[n-1]
	return frames
}

// Buffered returns the number of resampled samples waiting for a full frame.
func (p *FrameProducer) Buffered() int { return len(p.carry) }

func (p *FrameProducer) appendSample(s int16, frames []Frame) []Frame {
	p.carry = append(p.carry, s)
	if len(p.carry) < p.frameLen {
		return frames
	}
	frames = append(frames, Frame{
		Samples:    p.carry,
		SampleRate: p.dstRate,
		Seq:        p.seq,
	})
	p.seq++
	p.carry = make([]int16, 0, p.frameLen)
	return frames
}

// toPCM16 maps a float sample in [-1, 1] to int16, clamping out-of-range input.
func toPCM16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * 32767))
}
