// Package elevenlabs implements [tts.Provider] and [tts.VoiceLister] on the
// ElevenLabs REST API.
package elevenlabs

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	providerName = "elevenlabs"

	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultFormat  = "mp3_44100_128"
	defaultCostPer = 0.15 // USD per 1000 characters

	errorBodyLimit = 4096
)

// Accepted speaking-rate range.
const (
	minSpeed = 0.7
	maxSpeed = 1.2
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the default model, e.g. "eleven_multilingual_v2". A voice's
// own Model wins over it.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat sets the default output format, e.g. "pcm_16000".
func WithOutputFormat(format string) Option { return func(p *Provider) { p.format = format } }

// WithBaseURL points the provider at another API host.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithCostPerThousandChars sets the price used for cost estimates.
func WithCostPerThousandChars(usd float64) Option { return func(p *Provider) { p.costPerK = usd } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// WithLatencyOptimization sets optimize_streaming_latency (0 to 4). Higher
// levels trade pronunciation quality for a faster first byte. Out-of-range
// levels are ignored.
func WithLatencyOptimization(level int) Option {
	return func(p *Provider) {
		if level >= 0 && level <= 4 {
			p.latency = level
		}
	}
}

// Provider synthesises speech with ElevenLabs. It is safe for concurrent use.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	format   string
	costPerK float64
	latency  int
	client   *http.Client
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key is required")
	}
	p := &Provider{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		model:    defaultModel,
		format:   defaultFormat,
		costPerK: defaultCostPer,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// apiError is a non-200 reply. Message carries detail.message when the body
// had one.
type apiError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	msg := cmp.Or(e.Message, strings.ToLower(http.StatusText(e.Status)))
	if e.Code != "" {
		return fmt.Sprintf("elevenlabs: %s: status %d (%s): %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("elevenlabs: %s: status %d: %s", e.Op, e.Status, msg)
}

func readAPIError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	var body struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}
	e := &apiError{Op: op, Status: resp.StatusCode}
	if json.Unmarshal(raw, &body) == nil {
		e.Code, e.Message = body.Detail.Status, body.Detail.Message
	}
	return e
}

// ─── Transport ───────────────────────────────────────────────────────────────

func (p *Provider) do(ctx context.Context, method, path string, query url.Values, body any, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

// ─── Synthesis ───────────────────────────────────────────────────────────────

type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	switch {
	case req.Voice.ID == "":
		return nil, errors.New("elevenlabs: voice ID is required")
	case strings.TrimSpace(req.Text) == "":
		return nil, errors.New("elevenlabs: text is empty")
	}

	body, warnings := speechBody(req, p.model)
	format := cmp.Or(outputFormat(req.Voice.Encoding), outputFormat(p.format))
	query := url.Values{"output_format": {string(format)}}
	if p.latency > 0 {
		query.Set("optimize_streaming_latency", strconv.Itoa(p.latency))
	}

	start := time.Now()
	resp, err := p.do(ctx, http.MethodPost, "/v1/text-to-speech/"+url.PathEscape(req.Voice.ID), query, body, format.mime())
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()
	headers := time.Now()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError("synthesize", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio response")
	}

	chars := utf8.RuneCountInString(body.Text)
	return &tts.Result{
		Audio:        audio,
		MimeType:     format.mime(),
		ServerTime:   headers.Sub(start),
		DownloadTime: time.Since(headers),
		Chars:        chars,
		CostUSD:      float64(chars) / 1000 * p.costPerK,
		Warnings:     warnings,
	}, nil
}

// speechBody builds the request body. Voice settings are sent only when at
// least one is set; out-of-range values are clamped with a warning each.
func speechBody(req tts.Request, model string) (speechRequest, []string) {
	v := req.Voice
	body := speechRequest{Text: req.Text, ModelID: model}
	if v.Model != "" {
		body.ModelID = v.Model
	}
	if v.Stability == 0 && v.SimilarityBoost == 0 && v.Style == 0 && v.Speed == 0 {
		return body, nil
	}

	var c clamper
	body.VoiceSettings = &voiceSettings{
		Stability:       c.clamp("stability", v.Stability, 0, 1),
		SimilarityBoost: c.clamp("similarity_boost", v.SimilarityBoost, 0, 1),
		Style:           c.clamp("style", v.Style, 0, 1),
	}
	if v.Speed != 0 {
		body.VoiceSettings.Speed = c.clamp("speed", v.Speed, minSpeed, maxSpeed)
	}
	return body, c.warnings
}

// clamper bounds values and records a warning for each one it changes.
type clamper struct{ warnings []string }

func (c *clamper) clamp(name string, v, lo, hi float64) float64 {
	got := min(max(v, lo), hi)
	if got != v {
		c.warnings = append(c.warnings, fmt.Sprintf("%s %.2f clamped to %.2f", name, v, got))
	}
	return got
}

// outputFormat is an ElevenLabs output_format value such as "mp3_44100_128".
type outputFormat string

func (f outputFormat) mime() string {
	codec, _, _ := strings.Cut(string(f), "_")
	switch codec {
	case "mp3":
		return "audio/mpeg"
	case "pcm":
		return "audio/pcm"
	case "ulaw":
		return "audio/basic"
	case "opus":
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// ─── Voices ──────────────────────────────────────────────────────────────────

type voice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

func (v voice) profile() tts.VoiceProfile {
	meta := make(map[string]string, len(v.Labels)+1)
	maps.Copy(meta, v.Labels)
	if v.Category != "" {
		meta["category"] = v.Category
	}
	return tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: providerName, Metadata: meta}
}

// ListVoices implements [tts.VoiceLister].
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	resp, err := p.do(ctx, http.MethodGet, "/v1/voices", nil, nil, "application/json")
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError("list voices", resp)
	}
	profiles, err := decodeVoices(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: decode: %w", err)
	}
	return profiles, nil
}

func decodeVoices(r io.Reader) ([]tts.VoiceProfile, error) {
	var body struct {
		Voices []voice `json:"voices"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]tts.VoiceProfile, len(body.Voices))
	for i, v := range body.Voices {
		out[i] = v.profile()
	}
	return out, nil
}
