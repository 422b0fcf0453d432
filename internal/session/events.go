package session

import (
	"fmt"

	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Scope names the part of the session an [Error] came from.
type Scope string

// Error scopes.
const (
	ScopeSTT      Scope = "stt"
	ScopeLLM      Scope = "llm"
	ScopeTTS      Scope = "tts"
	ScopePlayback Scope = "playback"
)

// Error is reported on [Session.Errors]. Recoverable errors leave the
// session usable; the rest mean the session should be closed.
type Error struct {
	Scope       Scope
	Err         error
	Recoverable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Scope, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EventKind discriminates [Event] payloads.
type EventKind int

const (
	// EventSpeechStarted fires when the gate confirms user speech or the
	// talk button is pressed.
	EventSpeechStarted EventKind = iota + 1

	// EventSpeechEnded fires when the gate releases or the talk button is
	// released.
	EventSpeechEnded

	// EventBargeIn fires when the user interrupted assistant audio.
	EventBargeIn

	// EventTranscript carries an interim or final transcription fragment.
	EventTranscript

	// EventUtterance carries a completed user utterance.
	EventUtterance

	// EventTurnStarted fires when an assistant turn begins.
	EventTurnStarted

	// EventTurnFinished carries the result of an assistant turn.
	EventTurnFinished

	// EventPlayback forwards a playback queue notification.
	EventPlayback

	// EventSTTStats carries transcription usage.
	EventSTTStats
)

// String returns the kind's wire name.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventBargeIn:
		return "barge_in"
	case EventTranscript:
		return "transcript"
	case EventUtterance:
		return "utterance"
	case EventTurnStarted:
		return "turn_started"
	case EventTurnFinished:
		return "turn_finished"
	case EventPlayback:
		return "playback"
	case EventSTTStats:
		return "stt_stats"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a session notification. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind EventKind

	// Text is the transcript, utterance or kickoff text.
	Text string

	// IsFinal marks a finalized transcript fragment.
	IsFinal bool

	// Epoch is the turn epoch of turn and playback events.
	Epoch uint64

	// Result is set on EventTurnFinished.
	Result *turn.Result

	// Playback is set on EventPlayback.
	Playback playback.Event

	// Stats is set on EventSTTStats.
	Stats stt.Stats
}
