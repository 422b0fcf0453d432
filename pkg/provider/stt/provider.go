// Package stt defines the streaming speech-to-text contract.
//
// A [Provider] opens one [SessionHandle] per conversation. The caller pushes
// 16-bit little-endian PCM into the handle and reads a single ordered stream
// of [Event] values back: interim and final transcripts, usage statistics and
// transport errors.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [SessionHandle] methods after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig is the audio format and the recognition hints of a session.
type StreamConfig struct {
	// SampleRate in Hz of the PCM passed to SendAudio.
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Language is a BCP-47 tag such as "de-DE". Empty selects the backend's
	// default.
	Language string

	// Keywords raise the recognition odds of uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle is an open transcription stream. Its methods are safe for
// concurrent use; the owner must call Close.
type SessionHandle interface {
	// SendAudio queues a PCM chunk.
	SendAudio(chunk []byte) error

	// Finalize asks the backend to commit everything heard so far, which it
	// answers with an utterance-final transcript. It is ordered with audio:
	// it covers exactly the chunks sent before it.
	Finalize() error

	// Events is closed when the session ends, whether by Close or by a
	// transport error (which is delivered as an [EventError] first).
	Events() <-chan Event

	// Close ends the stream, gives the backend a short grace period to flush
	// its last results and releases the connection. Later calls return nil.
	Close() error
}

// Provider opens transcription sessions. Implementations are safe for
// concurrent use.
type Provider interface {
	// StartStream returns a session ready to accept audio, or an error when
	// the backend refuses the connection or ctx is already done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
