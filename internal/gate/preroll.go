package gate

import "github.com/MrWong99/parley/pkg/audio"

// preRoll is a fixed-capacity ring of the most recent withheld frames.
// When full, pushing drops the oldest frame.
type preRoll struct {
	buf   []audio.Frame
	start int
	n     int
}

func newPreRoll(capacity int) *preRoll {
	if capacity < 1 {
		capacity = 1
	}
	return &preRoll{buf: make([]audio.Frame, capacity)}
}

func (r *preRoll) push(f audio.Frame) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = f
		r.n++
		return
	}
	r.buf[r.start] = f
	r.start = (r.start + 1) % len(r.buf)
}

// drain returns the buffered frames oldest first and empties the ring.
func (r *preRoll) drain() []audio.Frame {
	if r.n == 0 {
		return nil
	}
	out := make([]audio.Frame, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	r.clear()
	return out
}

func (r *preRoll) clear() {
	clear(r.buf)
	r.start = 0
	r.n = 0
}

func (r *preRoll) len() int { return r.n }
