// Package mock provides an in-memory [llm.Provider] for tests.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello!"}, {FinishReason: "stop"}}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call is one recorded StreamCompletion invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays StreamChunks on every stream. Set the exported fields
// before the first call.
type Provider struct {
	// StreamChunks is emitted in order, then the stream closes.
	StreamChunks []llm.Chunk

	// StreamErr, if set, fails StreamCompletion before any stream opens.
	StreamErr error

	mu    sync.Mutex
	calls []Call
}

// StreamCompletion records the call and replays StreamChunks. Cancelling ctx
// stops the replay and closes the stream early.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	chunks := slices.Clone(p.StreamChunks)
	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns the recorded calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
