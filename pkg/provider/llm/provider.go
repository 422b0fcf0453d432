// Package llm defines the Provider interface for streaming text-generation
// backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic via
// any-llm, a local Ollama instance) and exposes a uniform streaming interface
// so the turn orchestrator can overlap generation with speech synthesis
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// FinishReasonError is the FinishReason of a chunk that reports a failure
// after the stream was opened. The chunk's Text carries the error message.
const FinishReasonError = "error"

// Provider is the abstraction over any LLM backend.
//
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the stream channel must be closed as quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason [FinishReasonError]; the initial error return is non-nil
	// only for failures that prevent the stream from starting (invalid
	// credentials, unreachable host).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// Collect drains ch and returns the concatenated text. It returns an error if
// the stream reported one.
func Collect(ch <-chan Chunk) (string, error) {
	var b strings.Builder
	var err error
	for c := range ch {
		if c.FinishReason == FinishReasonError {
			err = errors.New(c.Text)
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String(), err
}
