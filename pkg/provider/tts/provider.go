// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI, a local
// Coqui server) behind one request/response call per chunk of text. The
// synthesis pipeline issues several of these concurrently and restores their
// order downstream, so a provider only ever sees independent requests.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts req.Text to audio using req.Voice. It returns once
	// the complete audio payload has been downloaded.
	//
	// Returns an error on transport failure, a non-success response or a
	// malformed payload. Cancelling ctx aborts the request.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue.
type VoiceLister interface {
	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
