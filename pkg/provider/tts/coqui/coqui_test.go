package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// wavFile builds a PCM RIFF/WAVE file. Extra chunks are inserted between the
// fmt and data chunks. declared overrides the data chunk size when non-zero.
func wavFile(channels, rate int, pcm []byte, declared uint32, extra ...[]byte) []byte {
	le := binary.LittleEndian
	chunk := func(id string, body []byte, size uint32) []byte {
		out := append([]byte(id), le.AppendUint32(nil, size)...)
		out = append(out, body...)
		if len(body)%2 == 1 {
			out = append(out, 0)
		}
		return out
	}

	var fmtBody []byte
	fmtBody = le.AppendUint16(fmtBody, 1) // PCM
	fmtBody = le.AppendUint16(fmtBody, uint16(channels))
	fmtBody = le.AppendUint32(fmtBody, uint32(rate))
	fmtBody = le.AppendUint32(fmtBody, uint32(rate*channels*2))
	fmtBody = le.AppendUint16(fmtBody, uint16(channels*2))
	fmtBody = le.AppendUint16(fmtBody, 16)

	if declared == 0 {
		declared = uint32(len(pcm))
	}
	body := []byte("WAVE")
	body = append(body, chunk("fmt ", fmtBody, uint32(len(fmtBody)))...)
	for _, e := range extra {
		body = append(body, e...)
	}
	body = append(body, chunk("data", pcm, declared)...)
	return append(append([]byte("RIFF"), le.AppendUint32(nil, uint32(len(body)))...), body...)
}

func monoWAV() []byte { return wavFile(1, 22050, []byte{1, 0, 2, 0, 3, 0}, 0) }

func newProvider(t *testing.T, h http.Handler, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New(srv.URL+"/", append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		opts     []Option
		wantErr  string
		wantMode APIMode
		wantLang string
	}{
		{name: "defaults", url: "http://localhost:5002/", wantMode: APIModeStandard, wantLang: "en"},
		{name: "xtts german", url: "http://tts:8020", opts: []Option{WithAPIMode(APIModeXTTS), WithLanguage("de")}, wantMode: APIModeXTTS, wantLang: "de"},
		{name: "empty url", url: "", wantErr: "server URL"},
		{name: "unknown mode", url: "http://x", opts: []Option{WithAPIMode("bark")}, wantErr: `unknown API mode "bark"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.url, tt.opts...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.mode != tt.wantMode || p.language != tt.wantLang {
				t.Errorf("mode, language = %q, %q; want %q, %q", p.mode, p.language, tt.wantMode, tt.wantLang)
			}
			if strings.HasSuffix(p.base, "/") {
				t.Errorf("base %q keeps its trailing slash", p.base)
			}
		})
	}
}

func TestWithTimeout_AppliesToSuppliedClient(t *testing.T) {
	t.Parallel()

	c := &http.Client{}
	p, err := New("http://x", WithHTTPClient(c), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if p.client != c || c.Timeout != 3*time.Second {
		t.Errorf("client timeout = %v, want 3s on the supplied client", c.Timeout)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	wav := monoWAV()
	var gotQuery map[string][]string
	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tts" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}), WithLanguage("fr"))

	res, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Bonjour à tous.",
		Voice: tts.Voice{ID: "p225", Speed: 1.2},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	for key, want := range map[string]string{"text": "Bonjour à tous.", "speaker_id": "p225", "language_id": "fr"} {
		if got := gotQuery[key]; len(got) != 1 || got[0] != want {
			t.Errorf("query %s = %v, want %q", key, got, want)
		}
	}
	if string(res.Audio) != string(wav) {
		t.Error("audio was modified")
	}
	if res.MimeType != "audio/wav" || res.CostUSD != 0 {
		t.Errorf("mime, cost = %q, %v", res.MimeType, res.CostUSD)
	}
	if res.Chars != 15 {
		t.Errorf("Chars = %d, want 15 runes", res.Chars)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "speed") {
		t.Errorf("warnings = %v, want one speed warning", res.Warnings)
	}
}

func TestSynthesize_StandardOmitsEmptySpeaker(t *testing.T) {
	t.Parallel()

	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("speaker_id") {
			t.Errorf("speaker_id sent for single-speaker request: %s", r.URL.RawQuery)
		}
		_, _ = w.Write(monoWAV())
	}))
	res, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi."})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	var got xttsBody
	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tts_to_audio/" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write(wavFile(2, 24000, make([]byte, 16), 0))
	}), WithAPIMode(APIModeXTTS), WithLanguage("de"))

	res, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Guten Tag.",
		Voice: tts.Voice{ID: "Claribel Dervla", Stability: 0.5},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	want := xttsBody{Text: "Guten Tag.", SpeakerWav: "Claribel Dervla", Language: "de"}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "expressive") {
		t.Errorf("warnings = %v, want one expressive-settings warning", res.Warnings)
	}
}

func TestSynthesize_RejectsBeforeRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode APIMode
		req  tts.Request
	}{
		{"blank text", APIModeStandard, tts.Request{Text: "  \n"}},
		{"xtts without voice", APIModeXTTS, tts.Request{Text: "Hello."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("server must not be called")
			}), WithAPIMode(tt.mode))
			if _, err := p.Synthesize(context.Background(), tt.req); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello."})

	var he *httpError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v (%T), want *httpError", err, err)
	}
	if he.status != http.StatusServiceUnavailable || he.body != "model not loaded" {
		t.Errorf("httpError = %+v", he)
	}
	if msg := err.Error(); !strings.HasPrefix(msg, "coqui: GET /api/tts: status 503") {
		t.Errorf("message = %q", msg)
	}
}

func TestSynthesize_MalformedAudio(t *testing.T) {
	t.Parallel()

	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello."})
	if err == nil || !strings.Contains(err.Error(), "RIFF") {
		t.Fatalf("error = %v, want RIFF complaint", err)
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Synthesize(ctx, tts.Request{Text: "Hello."})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     APIMode
		path     string
		body     string
		wantIDs  []string
		wantType string
		wantMeta map[string]string
	}{
		{
			name:     "xtts studio speakers",
			mode:     APIModeXTTS,
			path:     "/studio_speakers",
			body:     `{"Viktor Eka":{"speaker_embedding":[0.1]},"Ana Florence":{"speaker_embedding":[0.2]}}`,
			wantIDs:  []string{"Ana Florence", "Viktor Eka"},
			wantType: "studio",
		},
		{
			name:     "multi-speaker model",
			mode:     APIModeStandard,
			path:     "/details",
			body:     `{"model_name":"vctk/vits","speakers":["p231","p225","p225"]}`,
			wantIDs:  []string{"p225", "p231"},
			wantType: "speaker",
			wantMeta: map[string]string{"model_name": "vctk/vits"},
		},
		{
			name:     "single-speaker model",
			mode:     APIModeStandard,
			path:     "/details",
			body:     `{"model_name":"ljspeech/tacotron2-DDC","speakers":null}`,
			wantIDs:  []string{"ljspeech/tacotron2-DDC"},
			wantType: "single-speaker",
		},
		{
			name:     "unnamed single-speaker model",
			mode:     APIModeStandard,
			path:     "/details",
			body:     `{}`,
			wantIDs:  []string{"default"},
			wantType: "single-speaker",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}), WithAPIMode(tt.mode))

			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			var ids []string
			for _, v := range voices {
				ids = append(ids, v.ID)
				if v.Name != v.ID || v.Provider != "coqui" || v.Metadata["type"] != tt.wantType {
					t.Errorf("voice = %+v", v)
				}
				for k, want := range tt.wantMeta {
					if v.Metadata[k] != want {
						t.Errorf("%s metadata %s = %q, want %q", v.ID, k, v.Metadata[k], want)
					}
				}
			}
			if !slices.Equal(ids, tt.wantIDs) {
				t.Errorf("IDs = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestListVoices_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"status", http.StatusInternalServerError, "boom", "status 500: boom"},
		{"bad json", http.StatusOK, "{not json", "decode /details"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := p.ListVoices(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInspectWAV(t *testing.T) {
	t.Parallel()

	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	misordered := []byte("RIFF\x00\x00\x00\x00WAVEdata\x02\x00\x00\x00\x01\x02")

	tests := []struct {
		name      string
		wav       []byte
		wantErr   string
		wantRate  int
		wantCh    int
		wantLen   int
		truncated bool
	}{
		{name: "plain mono", wav: monoWAV(), wantRate: 22050, wantCh: 1, wantLen: 6},
		{name: "odd-sized extra chunk", wav: wavFile(2, 44100, make([]byte, 8), 0, list), wantRate: 44100, wantCh: 2, wantLen: 8},
		{name: "truncated data", wav: wavFile(1, 16000, make([]byte, 4), 400), wantRate: 16000, wantCh: 1, wantLen: 4, truncated: true},
		{name: "too short", wav: []byte("RIFF"), wantErr: "not a RIFF/WAVE"},
		{name: "not wave", wav: []byte("RIFF\x00\x00\x00\x00AVI "), wantErr: "not a RIFF/WAVE"},
		{name: "data before fmt", wav: misordered, wantErr: "precedes fmt"},
		{name: "no data chunk", wav: wavFile(1, 8000, nil, 0)[:36], wantErr: "no data chunk"},
		{name: "empty data", wav: wavFile(1, 8000, nil, 0), wantErr: "no samples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := inspectWAV(tt.wav)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("inspectWAV: %v", err)
			}
			if f.sampleRate != tt.wantRate || f.channels != tt.wantCh || f.dataLen != tt.wantLen || f.truncated != tt.truncated {
				t.Errorf("format = %+v", f)
			}
			if f.bits != 16 {
				t.Errorf("bits = %d, want 16", f.bits)
			}
			if got := tt.wav[f.dataOffset : f.dataOffset+f.dataLen]; len(got) != tt.wantLen {
				t.Errorf("data slice length = %d", len(got))
			}
		})
	}
}

func TestSynthesize_WarnsOnTruncatedAudio(t *testing.T) {
	t.Parallel()

	p := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(wavFile(1, 22050, make([]byte, 10), 1000))
	}))
	res, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello."})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "shorter than its WAV header") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}
