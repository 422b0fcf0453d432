package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/parley/pkg/provider/tts/openai"
)

// Providers holds the instantiated backends shared by every session.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Names label provider metrics and logs.
	LLMName string
	STTName string
	TTSName string
}

// RegisterBuiltinProviders wires the built-in provider factories into reg.
// HTTP-based providers share client, which should trace outgoing requests
// (see [observe.HTTPClient]). A nil client selects each provider's default.
func RegisterBuiltinProviders(reg *config.Registry, client *http.Client) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if client != nil {
			opts = append(opts, llmopenai.WithHTTPClient(client))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors go through any-llm-go and share the same shape:
	// optional APIKey + optional BaseURL. Missing keys fall back to the
	// vendor's environment variable.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && backend != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if cost, ok := optFloat(entry.Options, "cost_per_minute"); ok {
			opts = append(opts, deepgram.WithCostPerMinute(cost))
		}
		if d, ok := optDuration(entry.Options, "utterance_end"); ok {
			opts = append(opts, deepgram.WithUtteranceEnd(d))
		}
		if d, ok := optDuration(entry.Options, "endpointing"); ok {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		if d, ok := optDuration(entry.Options, "stats_interval"); ok {
			opts = append(opts, deepgram.WithStatsInterval(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if cost, ok := optFloat(entry.Options, "cost_per_1k_chars"); ok {
			opts = append(opts, elevenlabs.WithCostPerThousandChars(cost))
		}
		if level, ok := optFloat(entry.Options, "optimize_streaming_latency"); ok {
			opts = append(opts, elevenlabs.WithLatencyOptimization(int(level)))
		}
		if client != nil {
			opts = append(opts, elevenlabs.WithHTTPClient(client))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if cost, ok := optFloat(entry.Options, "cost_per_1k_chars"); ok {
			opts = append(opts, ttsopenai.WithCostPerThousandChars(cost))
		}
		if client != nil {
			opts = append(opts, ttsopenai.WithHTTPClient(client))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if client != nil {
			opts = append(opts, coqui.WithHTTPClient(client))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// BuildProviders instantiates the configured providers from reg. Every kind
// is required.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{
		LLMName: cfg.Providers.LLM.Name,
		STTName: cfg.Providers.STT.Name,
		TTSName: cfg.Providers.TTS.Name,
	}
	var err error

	if p.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, providerError("llm", cfg.Providers.LLM.Name, err)
	}
	if p.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, providerError("stt", cfg.Providers.STT.Name, err)
	}
	if p.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, providerError("tts", cfg.Providers.TTS.Name, err)
	}
	return p, nil
}

func providerError(kind, name string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return fmt.Errorf("app: %s provider %q is not a built-in provider: %w", kind, name, err)
	}
	return fmt.Errorf("app: create %s provider %q: %w", kind, name, err)
}

// optString extracts a string value from a provider options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, _ := opts[key].(string)
	return v
}

// optFloat extracts a numeric value from a provider options map. YAML may
// decode numbers as int or float64.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optDuration extracts a duration such as "1s" from a provider options map.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
