// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving access to every vendor that library supports through one type.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest",
//	    anyllmlib.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")))
package anyllm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// streamBuffer is the capacity of the channel returned by StreamCompletion.
const streamBuffer = 32

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := f(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var constructors = map[string]constructor{
	"anthropic": wrap(anthropic.New),
	"deepseek":  wrap(deepseek.New),
	"gemini":    wrap(gemini.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
	"mistral":   wrap(mistral.New),
	"ollama":    wrap(ollama.New),
	"openai":    wrap(anyllmoai.New),
}

// Backends lists the backend names accepted by [New], sorted.
var Backends = slices.Sorted(maps.Keys(constructors))

// Provider streams completions from one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New returns a provider for the named backend (case-insensitive, one of
// [Backends]) and default model. Without an API key option the backend reads
// its usual environment variable, e.g. ANTHROPIC_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		return nil, errors.New("anyllm: backend is required")
	}
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	newBackend, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (known: %s)", backend, strings.Join(Backends, ", "))
	}
	b, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Name returns the normalised backend name.
func (p *Provider) Name() string { return p.name }

// StreamCompletion implements [llm.Provider]. Deltas without text or finish
// reason are dropped. A backend failure after the stream opened arrives as a
// final [llm.FinishReasonError] chunk unless ctx was cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: no messages")
	}
	in, errs := p.backend.CompletionStream(ctx, toParams(p.model, req))

	out := make(chan llm.Chunk, streamBuffer)
	go func() {
		defer close(out)
		for c := range in {
			if len(c.Choices) == 0 {
				continue
			}
			chunk, ok := delta(c.Choices[0].Delta.Content, c.Choices[0].FinishReason)
			if ok && !send(ctx, out, chunk) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			send(ctx, out, llm.Chunk{Text: fmt.Sprintf("anyllm: %s: %v", p.name, err), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

// delta turns one streamed choice into a chunk and reports whether it carries
// anything.
func delta(text, finish string) (llm.Chunk, bool) {
	return llm.Chunk{Text: text, FinishReason: finish}, text != "" || finish != ""
}

func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// toParams maps a request onto any-llm parameters. Zero sampling settings are
// left unset so the backend default applies.
func toParams(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    cmp.Or(req.Model, model),
		Messages: make([]anyllmlib.Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		params.Messages[i] = anyllmlib.Message{Role: m.Role, Content: m.Content}
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
