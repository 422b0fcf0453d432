package app

import (
	"time"

	"github.com/MrWong99/parley/internal/session"
)

// Client → server text message types. Binary messages carry microphone
// samples as little-endian float32 at the rate given by ?sample_rate=.
const (
	msgPress     = "press"
	msgRelease   = "release"
	msgStop      = "stop"
	msgResume    = "resume"
	msgKickoff   = "kickoff"
	msgPlaying   = "playing"
	msgEnded     = "ended"
	msgPlayError = "play_error"
)

// Server → client message types that are not session events. A "play"
// message is always followed by one binary message with the audio.
const (
	msgPlay  = "play"
	msgPause = "pause"
	msgError = "error"
)

// clientMessage is a control message from the browser.
type clientMessage struct {
	Type string `json:"type"`

	// Text is the kickoff instruction. Empty selects the configured prompt.
	Text string `json:"text,omitempty"`

	// Epoch and Seq identify the item a playback acknowledgement refers to.
	Epoch uint64 `json:"epoch,omitempty"`
	Seq   int    `json:"seq,omitempty"`

	// Error describes a play_error.
	Error string `json:"error,omitempty"`
}

// serverMessage is a JSON message to the browser. Only the fields relevant
// to Type are set.
type serverMessage struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	IsFinal  bool   `json:"is_final,omitempty"`
	Epoch    uint64 `json:"epoch,omitempty"`
	Seq      int    `json:"seq,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Kind is the playback event kind of "playback" messages.
	Kind string `json:"kind,omitempty"`

	Turn  *turnSummary `json:"turn,omitempty"`
	Stats *sttStats    `json:"stats,omitempty"`

	// Scope, Message and Recoverable describe "error" messages.
	Scope       string `json:"scope,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

type turnSummary struct {
	Chunks      int      `json:"chunks"`
	Interrupted bool     `json:"interrupted,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty"`
	TTFTMillis  int64    `json:"ttft_ms"`
	TTFAMillis  int64    `json:"ttfa_ms"`
	LLMMillis   int64    `json:"llm_ms"`
	Failures    int      `json:"synthesis_failures,omitempty"`
	Chars       int      `json:"chars"`
	CostUSD     float64  `json:"cost_usd"`
	Warnings    []string `json:"warnings,omitempty"`
}

type sttStats struct {
	AudioSeconds float64 `json:"audio_seconds"`
	CostUSD      float64 `json:"cost_usd"`
}

// eventMessage renders a session event for the wire.
func eventMessage(ev session.Event) serverMessage {
	m := serverMessage{
		Type:    ev.Kind.String(),
		Text:    ev.Text,
		IsFinal: ev.IsFinal,
		Epoch:   ev.Epoch,
	}
	switch ev.Kind {
	case session.EventPlayback:
		m.Kind = ev.Playback.Kind.String()
		m.Epoch = ev.Playback.Epoch
		m.Seq = ev.Playback.Seq
		m.Text = ev.Playback.Text
		if ev.Playback.Err != nil {
			m.Message = ev.Playback.Err.Error()
		}
	case session.EventTurnFinished:
		if r := ev.Result; r != nil {
			m.Epoch = r.Epoch
			m.Text = r.Text
			m.Turn = &turnSummary{
				Chunks:      r.Chunks,
				Interrupted: r.Interrupted,
				TimedOut:    r.TimedOut,
				TTFTMillis:  millis(r.Metrics.TimeToFirstToken),
				TTFAMillis:  millis(r.Metrics.TimeToFirstAudio),
				LLMMillis:   millis(r.Metrics.LLMTotal),
				Failures:    r.Metrics.Synthesis.Failures,
				Chars:       r.Metrics.Synthesis.Chars,
				CostUSD:     r.Metrics.Synthesis.CostUSD,
				Warnings:    r.Metrics.Synthesis.Warnings,
			}
		}
	case session.EventSTTStats:
		m.Stats = &sttStats{AudioSeconds: ev.Stats.AudioSeconds, CostUSD: ev.Stats.CostUSD}
	}
	return m
}

func errorMessage(scope string, err error, recoverable bool) serverMessage {
	return serverMessage{
		Type:        msgError,
		Scope:       scope,
		Message:     err.Error(),
		Recoverable: recoverable,
	}
}

func millis(d time.Duration) int64 { return d.Milliseconds() }
