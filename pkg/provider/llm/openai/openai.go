// Package openai streams chat completions from the OpenAI API or any server
// speaking the same protocol (set [WithBaseURL]).
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

const streamBuffer = 32

// Provider is an OpenAI chat-completions client.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	request []option.RequestOption
	http    *http.Client
	timeout time.Duration
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(u string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithBaseURL(u)) }
}

// WithOrganization sends the organization header on every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithOrganization(org)) }
}

// WithHTTPClient sets the transport client. The client is copied, so a
// [WithTimeout] does not leak into other users of c.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.http = c }
}

// WithTimeout bounds each request including the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// httpClient returns the client to install, or nil for the SDK default.
func (s *settings) httpClient() *http.Client {
	if s.http == nil && s.timeout <= 0 {
		return nil
	}
	c := &http.Client{}
	if s.http != nil {
		cp := *s.http
		c = &cp
	}
	if s.timeout > 0 {
		c.Timeout = s.timeout
	}
	return c
}

// New returns a provider using apiKey and the default model. The SDK's
// automatic retries are disabled; a failed turn is reported, not repeated.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: API key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}

	s := settings{request: []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}}
	for _, o := range opts {
		o(&s)
	}
	if c := s.httpClient(); c != nil {
		s.request = append(s.request, option.WithHTTPClient(c))
	}
	return &Provider{client: oai.NewClient(s.request...), model: model}, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	out := make(chan llm.Chunk, streamBuffer)
	go func() {
		defer close(out)
		defer stream.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			c := llm.Chunk{Text: cur.Choices[0].Delta.Content, FinishReason: cur.Choices[0].FinishReason}
			if c == (llm.Chunk{}) {
				continue
			}
			if !emit(c) {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			emit(llm.Chunk{Text: "openai: " + err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, m := range req.Messages {
		u, err := messageParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs[i] = u
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(cmp.Or(req.Model, p.model)),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func messageParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		var a oai.ChatCompletionAssistantMessageParam
		a.Content.OfString = oai.String(m.Content)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", m.Role)
}
