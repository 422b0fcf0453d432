package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/gate"
)

// EnvPrefix prefixes every environment override, e.g. PARLEY_LLM_API_KEY.
const EnvPrefix = "PARLEY"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs", "openai", "coqui"},
}

// EnvOverrides are the settings that may be supplied through the environment
// (or a .env file) instead of the YAML file. Non-empty values win.
type EnvOverrides struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	LLMAPIKey   string `envconfig:"LLM_API_KEY"`
	STTAPIKey   string `envconfig:"STT_API_KEY"`
	TTSAPIKey   string `envconfig:"TTS_API_KEY"`
	VoiceID     string `envconfig:"VOICE_ID"`
	GateProfile string `envconfig:"GATE_PROFILE"`
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env") into
// the process environment. Missing files are ignored; variables already set
// are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns the validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays PARLEY_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env EnvOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e EnvOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, e.ListenAddr)
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(e.LogLevel)
	}
	set(&cfg.Providers.LLM.APIKey, e.LLMAPIKey)
	set(&cfg.Providers.STT.APIKey, e.STTAPIKey)
	set(&cfg.Providers.TTS.APIKey, e.TTSAPIKey)
	set(&cfg.Voice.VoiceID, e.VoiceID)
	set(&cfg.Gate.Profile, e.GateProfile)
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [Config.ApplyDefaults]. It returns a joined error listing every failure.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
			continue
		}
		validateProviderName(kind, entry.Name)
	}

	c := cfg.Conversation
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", *c.Temperature))
	}
	if c.MaxHistoryTurns < 1 || c.MaxHistoryTurns > DefaultMaxHistoryTurns {
		errs = append(errs, fmt.Errorf("conversation.max_history_turns %d is out of range [1, %d]", c.MaxHistoryTurns, DefaultMaxHistoryTurns))
	}
	if c.MaxInputChars < 1 {
		errs = append(errs, fmt.Errorf("conversation.max_input_chars %d must be positive", c.MaxInputChars))
	}
	if c.TurnWaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.turn_wait_timeout %s must not be negative", c.TurnWaitTimeout))
	}

	v := cfg.Voice
	if v.Speed < 0 {
		errs = append(errs, fmt.Errorf("voice.speed %.2f must not be negative", v.Speed))
	}
	for name, val := range map[string]float64{
		"stability":        v.Stability,
		"similarity_boost": v.SimilarityBoost,
		"style":            v.Style,
	} {
		if val < 0 || val > 1 {
			errs = append(errs, fmt.Errorf("voice.%s %.2f is out of range [0, 1]", name, val))
		}
	}

	if _, err := gate.LookupProfile(cfg.Gate.Profile); err != nil {
		errs = append(errs, fmt.Errorf("gate.profile: %w", err))
	}
	if cfg.Gate.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("gate.preroll_frames %d must not be negative", cfg.Gate.PreRollFrames))
	}

	s := cfg.Synthesis
	if s.MaxConcurrent < 1 || s.MaxConcurrent > DefaultMaxConcurrent {
		errs = append(errs, fmt.Errorf("synthesis.max_concurrent %d is out of range [1, %d]", s.MaxConcurrent, DefaultMaxConcurrent))
	}
	if s.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.request_timeout %s must not be negative", s.RequestTimeout))
	}
	if s.CircuitBreaker.MaxFailures < 0 || s.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("synthesis.circuit_breaker values must not be negative"))
	}

	if cfg.Audio.TargetSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate %d is below 8000", cfg.Audio.TargetSampleRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in the
// [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
