package stt

import "time"

// EventKind discriminates the payload of an Event.
type EventKind int

const (
	// EventTranscript carries a Transcript.
	EventTranscript EventKind = iota
	// EventStats carries usage Stats.
	EventStats
	// EventError carries a transport or provider error. No further events
	// follow it.
	EventError
)

// String returns the kind's name.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventStats:
		return "stats"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from an STT session.
type Event struct {
	Kind       EventKind
	Transcript Transcript
	Stats      Stats
	Err        error
}

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content. May be empty on an
	// utterance-final marker.
	Text string

	// IsFinal reports that the provider will not revise Text again.
	IsFinal bool

	// IsUtteranceFinal reports that the speaker finished the utterance.
	IsUtteranceFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the result starts, relative to session start.
	Timestamp time.Duration

	// Duration is the length of audio the result covers.
	Duration time.Duration
}

// Stats reports provider usage since the session's previous stats event.
// Consumers sum them for the session total.
type Stats struct {
	// AudioSeconds is the amount of audio the provider processed.
	AudioSeconds float64

	// CostUSD is the estimated cost of AudioSeconds.
	CostUSD float64
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
