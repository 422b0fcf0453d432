// Package utterance assembles streaming transcription fragments into complete
// user utterances.
//
// Transcription backends emit interim hypotheses, finalized segments and an
// end-of-utterance marker. Only finalized segments are kept; the marker joins
// them into one utterance and closes it. The Accumulator is owned by the
// session loop and is not safe for concurrent use.
package utterance

import (
	"strings"
	"time"
)

// Fragment is one transcription event.
type Fragment struct {
	// Text is the recognised text of this fragment.
	Text string

	// IsFinal marks a finalized segment that will not be revised.
	IsFinal bool

	// IsUtteranceFinal marks the end of the user's utterance. It may be set
	// together with IsFinal on the last segment.
	IsUtteranceFinal bool
}

// Utterance is a completed user utterance.
type Utterance struct {
	// Text is the finalized segments joined with single spaces.
	Text string

	// StartedAt is when speech was confirmed, or when the first fragment
	// arrived if no speech start was signalled.
	StartedAt time.Time

	// FirstPartialAt is when the first non-empty fragment arrived. Zero if
	// none did.
	FirstPartialAt time.Time

	// EndedAt is when the utterance-final fragment arrived.
	EndedAt time.Time
}

// Total is the wall time from speech start to the end of the utterance.
func (u Utterance) Total() time.Duration { return u.EndedAt.Sub(u.StartedAt) }

// FirstResult is the delay from speech start to the first non-empty
// transcription result. Zero when no partial was seen.
func (u Utterance) FirstResult() time.Duration {
	if u.FirstPartialAt.IsZero() {
		return 0
	}
	return u.FirstPartialAt.Sub(u.StartedAt)
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// Accumulator holds at most one open utterance.
type Accumulator struct {
	now func() time.Time

	open         bool
	startedAt    time.Time
	firstPartial time.Time
	parts        []string
}

// New returns an empty Accumulator.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Begin opens a new utterance that started at at. It returns false and changes
// nothing if an utterance is already open.
func (a *Accumulator) Begin(at time.Time) bool {
	if a.open {
		return false
	}
	a.open = true
	a.startedAt = at
	a.firstPartial = time.Time{}
	a.parts = a.parts[:0]
	return true
}

// Active reports whether an utterance is open.
func (a *Accumulator) Active() bool { return a.open }

// Abandon discards the open utterance, if any.
func (a *Accumulator) Abandon() {
	a.open = false
	a.parts = a.parts[:0]
	a.firstPartial = time.Time{}
}

// Add feeds one fragment. When f ends the utterance and the joined text is
// non-empty, the completed utterance is returned with ok set. A fragment that
// arrives while no utterance is open opens one at the arrival time.
func (a *Accumulator) Add(f Fragment) (u Utterance, ok bool) {
	now := a.now()
	if !a.open {
		a.Begin(now)
	}

	text := strings.TrimSpace(f.Text)
	if text != "" && a.firstPartial.IsZero() {
		a.firstPartial = now
	}
	if f.IsFinal && text != "" {
		a.parts = append(a.parts, text)
	}
	if !f.IsUtteranceFinal {
		return Utterance{}, false
	}

	joined := strings.TrimSpace(strings.Join(a.parts, " "))
	u = Utterance{
		Text:           joined,
		StartedAt:      a.startedAt,
		FirstPartialAt: a.firstPartial,
		EndedAt:        now,
	}
	a.Abandon()
	if joined == "" {
		return Utterance{}, false
	}
	return u, true
}
