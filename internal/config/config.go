// Package config provides the configuration schema, loader, and provider
// registry for a parley server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultTemperature      = 0.7
	DefaultMaxHistoryTurns  = 10
	DefaultMaxInputChars    = 5000
	DefaultTurnWaitTimeout  = 30 * time.Second
	DefaultGateProfile      = "balanced"
	DefaultPreRollFrames    = 13
	DefaultMaxConcurrent    = 2
	DefaultRequestTimeout   = 15 * time.Second
	DefaultTargetSampleRate = 16000
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Voice        VoiceConfig        `yaml:"voice"`
	Gate         GateConfig         `yaml:"gate"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Audio        AudioConfig        `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which implementation serves each backend. Each
// entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "gpt-4o-mini", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig shapes every turn of a session.
type ConversationConfig struct {
	// SystemPrompt is sent as the first message of every completion.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is the sampling temperature passed to the LLM.
	Temperature *float64 `yaml:"temperature"`

	// MaxHistoryTurns is how many past messages are replayed per turn (1..10).
	MaxHistoryTurns int `yaml:"max_history_turns"`

	// MaxInputChars clamps the user text of a turn, counted in runes.
	MaxInputChars int `yaml:"max_input_chars"`

	// TurnWaitTimeout bounds how long a turn waits for synthesis and playback
	// to drain after the stream ends.
	TurnWaitTimeout time.Duration `yaml:"turn_wait_timeout"`

	// KickoffPrompt is the user text of the assistant-initiated first turn.
	// Empty disables kickoff.
	KickoffPrompt string `yaml:"kickoff_prompt"`
}

// VoiceConfig selects the synthesis voice and its prosody.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Encoding is the provider-specific output format (e.g., "mp3_44100_128").
	Encoding string `yaml:"encoding"`

	// Speed adjusts speaking rate. 0 means provider default.
	Speed float64 `yaml:"speed"`

	// Stability, SimilarityBoost and Style are expressive settings in [0, 1].
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
}

// GateConfig configures the voice-activity gate.
type GateConfig struct {
	// Profile is one of the named gate profiles.
	Profile string `yaml:"profile"`

	// PreRollFrames is the capacity of the barge-in pre-roll ring.
	PreRollFrames int `yaml:"preroll_frames"`
}

// SynthesisConfig configures the synthesis pipeline.
type SynthesisConfig struct {
	// MaxConcurrent is the number of synthesis workers (1 or 2).
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestTimeout bounds a single synthesis request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CircuitBreaker, when enabled, fails synthesis fast while the backend
	// is down.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the optional synthesis circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig configures microphone framing.
type AudioConfig struct {
	// TargetSampleRate is the rate frames are resampled to before STT.
	TargetSampleRate int `yaml:"target_sample_rate"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Conversation.Temperature == nil {
		t := DefaultTemperature
		c.Conversation.Temperature = &t
	}
	if c.Conversation.MaxHistoryTurns == 0 {
		c.Conversation.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if c.Conversation.MaxInputChars == 0 {
		c.Conversation.MaxInputChars = DefaultMaxInputChars
	}
	if c.Conversation.TurnWaitTimeout == 0 {
		c.Conversation.TurnWaitTimeout = DefaultTurnWaitTimeout
	}
	if c.Gate.Profile == "" {
		c.Gate.Profile = DefaultGateProfile
	}
	if c.Gate.PreRollFrames == 0 {
		c.Gate.PreRollFrames = DefaultPreRollFrames
	}
	if c.Synthesis.MaxConcurrent == 0 {
		c.Synthesis.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Synthesis.RequestTimeout == 0 {
		c.Synthesis.RequestTimeout = DefaultRequestTimeout
	}
	if c.Audio.TargetSampleRate == 0 {
		c.Audio.TargetSampleRate = DefaultTargetSampleRate
	}
}
