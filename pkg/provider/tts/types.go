package tts

import "time"

// Voice carries the per-session voice, encoding and prosody settings sent with
// every synthesis request. Zero values mean "provider default".
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Model overrides the provider's synthesis model.
	Model string

	// Encoding is the requested output format, e.g. "mp3_44100_128" or "mp3".
	Encoding string

	// Speed adjusts the speaking rate (1.0 = default).
	Speed float64

	// Stability, SimilarityBoost and Style are expressive controls in [0, 1].
	// Providers without such controls ignore them.
	Stability       float64
	SimilarityBoost float64
	Style           float64

	// Instructions is a free-form delivery hint for providers that accept one.
	Instructions string
}

// Request is one synthesis request.
type Request struct {
	Text  string
	Voice Voice
}

// Result is the outcome of a successful synthesis request.
type Result struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// MimeType describes Audio, e.g. "audio/mpeg".
	MimeType string

	// ServerTime is the delay until response headers arrived.
	ServerTime time.Duration

	// DownloadTime is the time spent reading the response body.
	DownloadTime time.Duration

	// Chars is the number of characters billed.
	Chars int

	// CostUSD is the estimated cost of the request.
	CostUSD float64

	// Warnings lists non-fatal provider notices, e.g. a clamped setting.
	Warnings []string
}

// VoiceProfile describes a voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
