// Package openai provides a TTS provider backed by the OpenAI speech API.
// Any OpenAI-compatible speech server can be used via WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultModel    = "gpt-4o-mini-tts"
	defaultVoice    = "alloy"
	defaultFormat   = "mp3"
	defaultCostPerK = 0.015 // USD per 1000 characters
	minSpeed        = 0.25
	maxSpeed        = 4.0
)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	costPerK float64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	model    string
	timeout  time.Duration
	costPerK float64
	client   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the default speech model (e.g. "tts-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithHTTPClient sets the HTTP client used for API calls. [WithTimeout], if
// also given, is applied to a copy of c.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		cfg.client = c
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithCostPerThousandChars sets the price used for cost estimates.
func WithCostPerThousandChars(usd float64) Option {
	return func(c *config) {
		c.costPerK = usd
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, costPerK: defaultCostPerK}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.client != nil || cfg.timeout > 0 {
		hc := &http.Client{}
		if cfg.client != nil {
			copied := *cfg.client
			hc = &copied
		}
		if cfg.timeout > 0 {
			hc.Timeout = cfg.timeout
		}
		reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		costPerK: cfg.costPerK,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("openai tts: text must not be empty")
	}
	params, format, warnings := buildParams(req, p.model)

	start := time.Now()
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()
	serverTime := time.Since(start)

	dlStart := time.Now()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("openai tts: empty audio response")
	}

	chars := utf8.RuneCountInString(req.Text)
	return &tts.Result{
		Audio:        audio,
		MimeType:     mimeType(format),
		ServerTime:   serverTime,
		DownloadTime: time.Since(dlStart),
		Chars:        chars,
		CostUSD:      float64(chars) / 1000 * p.costPerK,
		Warnings:     warnings,
	}, nil
}

// buildParams maps a tts.Request onto the speech endpoint parameters.
func buildParams(req tts.Request, model string) (oai.AudioSpeechNewParams, string, []string) {
	if req.Voice.Model != "" {
		model = req.Voice.Model
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = defaultVoice
	}
	format := req.Voice.Encoding
	if format == "" {
		format = defaultFormat
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	}

	var warnings []string
	if s := req.Voice.Speed; s != 0 {
		clamped := min(max(s, minSpeed), maxSpeed)
		if clamped != s {
			warnings = append(warnings, fmt.Sprintf("speed %.2f clamped to %.2f", s, clamped))
		}
		params.Speed = oai.Float(clamped)
	}
	if req.Voice.Instructions != "" {
		params.Instructions = oai.String(req.Voice.Instructions)
	}
	if req.Voice.Stability != 0 || req.Voice.SimilarityBoost != 0 || req.Voice.Style != 0 {
		warnings = append(warnings, "expressive voice settings are not supported and were ignored")
	}
	return params, format, warnings
}

func mimeType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}
