// Package deepgram transcribes PCM audio with Deepgram's live streaming API.
//
// Each [Provider.StartStream] dials one WebSocket to /v1/listen. Audio goes up
// as binary frames, control messages (Finalize, KeepAlive, CloseStream) as
// JSON text frames, and every Deepgram reply becomes an [stt.Event].
package deepgram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultEndpoint     = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultUtteranceEnd = time.Second
	defaultEndpointing  = 300 * time.Millisecond
	defaultCostPerMin   = 0.0077 // USD, streaming nova-3
	defaultStatsEvery   = 5 * time.Second
)

// listenParams are the provider-wide defaults for the listen query.
type listenParams struct {
	model        string
	language     string
	sampleRate   int
	utteranceEnd time.Duration
	endpointing  time.Duration
}

// Provider opens Deepgram streaming sessions.
type Provider struct {
	apiKey     string
	endpoint   string
	costPerMin float64
	statsEvery time.Duration
	params     listenParams
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3".
func WithModel(model string) Option { return func(p *Provider) { p.params.model = model } }

// WithLanguage sets the default recognition language. A non-empty
// [stt.StreamConfig.Language] wins.
func WithLanguage(lang string) Option { return func(p *Provider) { p.params.language = lang } }

// WithSampleRate sets the sample rate assumed when the stream config leaves
// it zero.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.params.sampleRate = hz } }

// WithUtteranceEnd sets the silence after which Deepgram sends UtteranceEnd.
// Deepgram rejects values below one second.
func WithUtteranceEnd(d time.Duration) Option {
	return func(p *Provider) { p.params.utteranceEnd = d }
}

// WithEndpointing sets the trailing silence after which Deepgram marks a
// result speech_final. Zero or less turns endpointing off, leaving turn ends
// to UtteranceEnd and Finalize.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) { p.params.endpointing = d }
}

// WithEndpoint replaces the listen URL, e.g. for a self-hosted deployment.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// WithCostPerMinute sets the USD price per audio minute used in stats events.
func WithCostPerMinute(usd float64) Option { return func(p *Provider) { p.costPerMin = usd } }

// WithStatsInterval sets how often a session reports the audio it has sent
// as an [stt.EventStats]. Zero or less leaves reporting to Deepgram's final
// Metadata reply.
func WithStatsInterval(d time.Duration) Option { return func(p *Provider) { p.statsEvery = d } }

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: API key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		costPerMin: defaultCostPerMin,
		statsEvery: defaultStatsEvery,
		params: listenParams{
			model:        defaultModel,
			language:     defaultLanguage,
			sampleRate:   defaultSampleRate,
			utteranceEnd: defaultUtteranceEnd,
			endpointing:  defaultEndpointing,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials a new session. ctx bounds the handshake only; the session
// runs until Close or a transport failure.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen URL: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	// linear16: two bytes per sample per channel.
	bytesPerSec := float64(cmp.Or(cfg.SampleRate, p.params.sampleRate) * max(cfg.Channels, 1) * 2)
	return startSession(conn, bytesPerSec, p.costPerMin, p.statsEvery), nil
}

// listenURL builds the streaming URL. Stream-level language and sample rate
// override the provider defaults.
func (p *Provider) listenURL(cfg stt.StreamConfig) (*url.URL, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, v := range map[string]string{
		"model":            p.params.model,
		"language":         cmp.Or(cfg.Language, p.params.language),
		"sample_rate":      strconv.Itoa(cmp.Or(cfg.SampleRate, p.params.sampleRate)),
		"encoding":         "linear16",
		"punctuate":        "true",
		"interim_results":  "true",
		"utterance_end_ms": strconv.FormatInt(p.params.utteranceEnd.Milliseconds(), 10),
	} {
		q.Set(k, v)
	}
	if p.params.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.params.endpointing.Milliseconds(), 10))
	} else {
		q.Set("endpointing", "false")
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	// Deepgram expects keyword:intensifier pairs.
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u, nil
}
