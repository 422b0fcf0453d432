// Package coqui synthesises speech with a self-hosted Coqui TTS server.
//
// Two server flavours are supported and selected with [WithAPIMode]:
//
//   - [APIModeStandard] (default) talks to the stock tts-server image. Speech
//     comes from GET /api/tts and the voice catalogue from GET /details.
//   - [APIModeXTTS] talks to the XTTS v2 API server. Speech comes from
//     POST /tts_to_audio/ and the voice catalogue from GET /studio_speakers.
//
// Either way the server answers with a complete WAV file. Synthesize checks the
// RIFF structure and hands the file on unchanged. Local synthesis is free, so
// results never carry a cost.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
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
	providerName   = "coqui"
	mimeWAV        = "audio/wav"
	defaultLang    = "en"
	defaultTimeout = 30 * time.Second

	pathStandardTTS = "/api/tts"
	pathDetails     = "/details"
	pathXTTS        = "/tts_to_audio/"
	pathStudio      = "/studio_speakers"

	// errorBodyLimit caps how much of a failed response ends up in the error.
	errorBodyLimit = 512
)

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

func (m APIMode) valid() bool { return m == APIModeStandard || m == APIModeXTTS }

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the HTTP client timeout. Applied after [WithHTTPClient] it
// modifies the supplied client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAPIMode selects the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// Provider is a Coqui TTS client. It is safe for concurrent use.
type Provider struct {
	base     string
	language string
	mode     APIMode
	client   *http.Client
}

// New returns a provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL is required")
	}
	p := &Provider{
		base:     strings.TrimRight(serverURL, "/"),
		language: defaultLang,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if !p.mode.valid() {
		return nil, fmt.Errorf("coqui: unknown API mode %q (want %q or %q)", p.mode, APIModeStandard, APIModeXTTS)
	}
	return p, nil
}

// ─── errors ─────────────────────────────────────────────────────────────────

// httpError is returned for any non-200 answer from the server.
type httpError struct {
	method string
	path   string
	status int
	body   string
}

func (e *httpError) Error() string {
	msg := fmt.Sprintf("coqui: %s %s: status %d", e.method, e.path, e.status)
	if e.body != "" {
		msg += ": " + e.body
	}
	return msg
}

func newHTTPError(req *http.Request, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &httpError{
		method: req.Method,
		path:   req.URL.Path,
		status: resp.StatusCode,
		body:   strings.TrimSpace(string(snippet)),
	}
}

// do sends req and returns the response if it is a 200. The caller closes
// the body.
func (p *Provider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newHTTPError(req, resp)
	}
	return resp, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// ─── synthesis ──────────────────────────────────────────────────────────────

type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize renders req.Text. In XTTS mode req.Voice.ID names the studio
// speaker and is required. In standard mode it is the optional speaker_id of
// a multi-speaker model. Speed and the expressive controls are not supported
// and produce a warning when set.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("coqui: empty text")
	}
	if p.mode == APIModeXTTS && req.Voice.ID == "" {
		return nil, errors.New("coqui: xtts mode needs a voice ID")
	}

	httpReq, err := p.speechRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", mimeWAV)

	sent := time.Now()
	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	headers := time.Since(sent)

	received := time.Now()
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	format, err := inspectWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}

	return &tts.Result{
		Audio:        wav,
		MimeType:     mimeWAV,
		ServerTime:   headers,
		DownloadTime: time.Since(received),
		Chars:        utf8.RuneCountInString(req.Text),
		Warnings:     warningsFor(req.Voice, format),
	}, nil
}

func (p *Provider) speechRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	switch p.mode {
	case APIModeXTTS:
		body, err := json.Marshal(xttsBody{Text: req.Text, SpeakerWav: req.Voice.ID, Language: p.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: encode request: %w", err)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+pathXTTS, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("coqui: build request: %w", err)
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	default:
		q := url.Values{"text": {req.Text}}
		if req.Voice.ID != "" {
			q.Set("speaker_id", req.Voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+pathStandardTTS+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("coqui: build request: %w", err)
		}
		return r, nil
	}
}

func warningsFor(v tts.Voice, f wavFormat) []string {
	var w []string
	if v.Speed != 0 && v.Speed != 1 {
		w = append(w, "coqui: speed is not supported and was ignored")
	}
	if v.Stability != 0 || v.SimilarityBoost != 0 || v.Style != 0 {
		w = append(w, "coqui: expressive voice settings are not supported and were ignored")
	}
	if f.channels > 2 {
		w = append(w, fmt.Sprintf("coqui: unusual channel count %d", f.channels))
	}
	if f.truncated {
		w = append(w, "coqui: audio is shorter than its WAV header declares")
	}
	return w
}

// ─── voices ─────────────────────────────────────────────────────────────────

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices returns the server's voice catalogue, sorted by ID. A standard
// server running a single-speaker model yields one voice named after the
// model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.mode == APIModeXTTS {
		var studio map[string]json.RawMessage
		if err := p.getJSON(ctx, pathStudio, &studio); err != nil {
			return nil, err
		}
		return studioVoices(studio), nil
	}
	var d detailsResponse
	if err := p.getJSON(ctx, pathDetails, &d); err != nil {
		return nil, err
	}
	return detailVoices(d), nil
}

func studioVoices(studio map[string]json.RawMessage) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(studio))
	for _, name := range slices.Sorted(maps.Keys(studio)) {
		out = append(out, profile(name, map[string]string{"type": "studio"}))
	}
	return out
}

func detailVoices(d detailsResponse) []tts.VoiceProfile {
	if len(d.Speakers) == 0 {
		model := cmp.Or(d.ModelName, "default")
		return []tts.VoiceProfile{profile(model, map[string]string{
			"type":       "single-speaker",
			"model_name": model,
		})}
	}
	speakers := slices.Clone(d.Speakers)
	slices.Sort(speakers)
	speakers = slices.Compact(speakers)

	out := make([]tts.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		out = append(out, profile(s, map[string]string{
			"type":       "speaker",
			"model_name": d.ModelName,
		}))
	}
	return out
}

func profile(id string, meta map[string]string) tts.VoiceProfile {
	return tts.VoiceProfile{ID: id, Name: id, Provider: providerName, Metadata: meta}
}

// ─── WAV ────────────────────────────────────────────────────────────────────

// wavFormat is what inspectWAV learns about a RIFF/WAVE file.
type wavFormat struct {
	channels   int
	sampleRate int
	bits       int
	dataOffset int
	dataLen    int
	truncated  bool // the data chunk declares more bytes than are present
}

// inspectWAV walks the RIFF chunks of b and returns the format of the first
// data chunk. The fmt chunk must come before it.
func inspectWAV(b []byte) (wavFormat, error) {
	if len(b) < 12 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavFormat{}, errors.New("response is not a RIFF/WAVE file")
	}

	var (
		f       wavFormat
		haveFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return wavFormat{}, errors.New("WAV fmt chunk is too short")
			}
			f.channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.sampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			f.bits = int(binary.LittleEndian.Uint16(b[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavFormat{}, errors.New("WAV data chunk precedes fmt chunk")
			}
			f.dataOffset = body
			f.dataLen = min(size, len(b)-body)
			f.truncated = f.dataLen < size
			if f.dataLen <= 0 {
				return wavFormat{}, errors.New("WAV file has no samples")
			}
			return f, nil
		}

		// Chunks are padded to an even length.
		off = body + size + size%2
	}
	return wavFormat{}, errors.New("WAV file has no data chunk")
}
