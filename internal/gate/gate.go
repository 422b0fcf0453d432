// Package gate implements the adaptive voice-activity gate that sits between
// the microphone and the transcription backend.
//
// The gate classifies each 20 ms frame by its energy relative to a noise
// floor learned while the assistant is talking, so the echo of synthesised
// speech is not mistaken for the user. Speech must stay above the onset
// threshold for several consecutive frames before it is confirmed, which keeps
// claps and clicks from interrupting the assistant. Frames arriving while the
// assistant talks are held back in a short pre-roll ring and released, oldest
// first, when the user barges in, so the first syllable is not lost.
//
// A Gate is owned by a single session loop and is not safe for concurrent use.
package gate

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultPreRollFrames is the pre-roll capacity (260 ms of 20 ms frames).
const DefaultPreRollFrames = 13

// State is the gate's mutable classification state.
type State struct {
	NoiseFloor      float64
	ConfirmedSpeech bool
	OnsetRunLength  int
	LastSpeechAt    time.Time
}

// Decision is the outcome of feeding one frame or one push-to-talk transition
// into the gate.
type Decision struct {
	// Forward lists the frames to send to the transcription backend now, in
	// capture order. On barge-in it begins with the flushed pre-roll.
	Forward []audio.Frame

	// SpeechStarted is set when speech was confirmed (or the talk button was
	// pressed). The caller opens a new utterance if none is open.
	SpeechStarted bool

	// SpeechEnded is set when the hangover expired (or the talk button was
	// released).
	SpeechEnded bool

	// BargeIn is set when speech was confirmed while assistant audio was
	// playing. The caller must stop playback and cancel the active turn before
	// forwarding the frames.
	BargeIn bool
}

// Option configures a [Gate].
type Option func(*Gate)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithPreRollFrames sets the pre-roll capacity. Default: [DefaultPreRollFrames].
func WithPreRollFrames(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.preRollCap = n
		}
	}
}

// Gate is the voice-activity gate for one session.
type Gate struct {
	profile    Profile
	now        func() time.Time
	preRollCap int
	preRoll    *preRoll

	state    State
	speaking bool // assistant audio is playing
	pressed  bool // push-to-talk button held
}

// New returns a Gate using profile. It fails if the profile is invalid, so a
// misconfigured session never starts.
func New(profile Profile, opts ...Option) (*Gate, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		profile:    profile,
		now:        time.Now,
		preRollCap: DefaultPreRollFrames,
	}
	for _, o := range opts {
		o(g)
	}
	g.preRoll = newPreRoll(g.preRollCap)
	return g, nil
}

// Profile returns the active profile.
func (g *Gate) Profile() Profile { return g.profile }

// State returns a copy of the classification state.
func (g *Gate) State() State { return g.state }

// AssistantSpeaking reports whether the gate believes assistant audio is
// playing.
func (g *Gate) AssistantSpeaking() bool { return g.speaking }

// PreRolled returns the number of frames currently withheld.
func (g *Gate) PreRolled() int { return g.preRoll.len() }

// Reset clears all classification state and the pre-roll. Called at session
// start.
func (g *Gate) Reset() {
	g.state = State{}
	g.preRoll.clear()
	g.pressed = false
}

// SetAssistantSpeaking records a playback transition. When playback stops the
// withheld frames are discarded: they overlap the assistant's own audio and
// did not amount to confirmed speech.
func (g *Gate) SetAssistantSpeaking(speaking bool) {
	g.speaking = speaking
	if !speaking {
		g.preRoll.clear()
	}
}

// Process classifies frame and decides where it goes.
func (g *Gate) Process(frame audio.Frame) Decision {
	if g.profile.PushToTalk {
		if g.pressed {
			return Decision{Forward: []audio.Frame{frame}}
		}
		return Decision{}
	}

	now := g.now()
	rms := frame.RMS()
	st := &g.state

	if g.speaking && !st.ConfirmedSpeech {
		if st.NoiseFloor == 0 {
			st.NoiseFloor = rms
		} else {
			st.NoiseFloor = g.profile.Alpha*st.NoiseFloor + (1-g.profile.Alpha)*rms
		}
	}

	on := max(g.profile.AbsoluteOn, st.NoiseFloor*g.profile.OnMultiplier)
	off := max(g.profile.AbsoluteOff, st.NoiseFloor*g.profile.OffMultiplier)

	var d Decision

	if !st.ConfirmedSpeech {
		if rms >= on {
			st.OnsetRunLength++
		} else {
			st.OnsetRunLength = 0
		}
		if st.OnsetRunLength >= g.profile.MinOnsetFrames {
			st.ConfirmedSpeech = true
			st.OnsetRunLength = 0
			st.LastSpeechAt = now
			d.SpeechStarted = true
			if g.speaking {
				d.BargeIn = true
				g.speaking = false
				// The floor was learned from the assistant's echo.
				st.NoiseFloor = 0
				d.Forward = g.preRoll.drain()
			}
		}
	} else {
		if rms >= off {
			st.LastSpeechAt = now
		} else if now.Sub(st.LastSpeechAt) > g.profile.Hang {
			st.ConfirmedSpeech = false
			d.SpeechEnded = true
		}
	}

	if g.speaking && !st.ConfirmedSpeech {
		g.preRoll.push(frame)
		return d
	}
	d.Forward = append(d.Forward, frame)
	return d
}

// Press marks the push-to-talk button as held. Pressing while assistant audio
// plays is a barge-in. Press is a no-op for energy-based profiles.
func (g *Gate) Press() Decision {
	if !g.profile.PushToTalk || g.pressed {
		return Decision{}
	}
	g.pressed = true
	d := Decision{SpeechStarted: true}
	if g.speaking {
		d.BargeIn = true
		g.speaking = false
	}
	return d
}

// Release marks the push-to-talk button as released.
func (g *Gate) Release() Decision {
	if !g.profile.PushToTalk || !g.pressed {
		return Decision{}
	}
	g.pressed = false
	return Decision{SpeechEnded: true}
}

// String renders the state for debug logging.
func (s State) String() string {
	return fmt.Sprintf("floor=%.4f confirmed=%t onset=%d", s.NoiseFloor, s.ConfirmedSpeech, s.OnsetRunLength)
}
