package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gate"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrSessionActive is returned by [SessionManager.Start] while another
// session is live.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Remote is the client address that opened the session.
	Remote string

	// SourceRate is the client's microphone sample rate in Hz.
	SourceRate int
}

// SessionManager manages the lifecycle of voice sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active *session.Session
	info   SessionInfo

	// Dependencies injected at construction.
	config    func() *config.Config
	providers *Providers
	metrics   *observe.Metrics
	breaker   *resilience.CircuitBreaker
	log       *slog.Logger
	now       func() time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config returns the configuration new sessions are built from. It is
	// consulted on every Start so hot-reloaded settings apply to the next
	// session.
	Config    func() *config.Config
	Providers *Providers
	Metrics   *observe.Metrics
	Breaker   *resilience.CircuitBreaker
	Logger    *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		config:    cfg.Config,
		providers: cfg.Providers,
		metrics:   cfg.Metrics,
		breaker:   cfg.Breaker,
		log:       log,
		now:       time.Now,
	}
}

// Start builds and starts a session that plays through sink and expects
// microphone audio at sourceRate. The session lives until [SessionManager.Stop]
// or ctx is cancelled; the caller must still call Stop to free the slot.
//
// Returns [ErrSessionActive] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, sink playback.Sink, sourceRate int, remote string) (*session.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	cfg := sm.config()
	sc, err := SessionConfig(cfg, sourceRate)
	if err != nil {
		return nil, err
	}

	deps := session.Deps{
		STT:  sm.providers.STT,
		LLM:  sm.providers.LLM,
		TTS:  sm.providers.TTS,
		Sink: sink,
	}
	opts := []session.Option{
		session.WithLogger(sm.log),
		session.WithProviderNames(sm.providers.STTName, sm.providers.LLMName, sm.providers.TTSName),
	}
	if sm.metrics != nil {
		opts = append(opts, session.WithMetrics(sm.metrics))
	}
	if sm.breaker != nil {
		opts = append(opts, session.WithBreaker(sm.breaker))
	}

	s, err := session.New(deps, sc, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	sm.active = s
	sm.info = SessionInfo{
		SessionID:  s.ID(),
		StartedAt:  sm.now().UTC(),
		Remote:     remote,
		SourceRate: sourceRate,
	}
	sm.log.Info("session started",
		"session_id", s.ID(),
		"remote", remote,
		"source_rate", sourceRate,
		"gate_profile", sc.Profile.Name,
	)
	return s, nil
}

// Stop closes the session with the given ID. Stopping a session that is no
// longer active is a no-op.
func (sm *SessionManager) Stop(id string) error {
	sm.mu.Lock()
	s := sm.active
	if s == nil || s.ID() != id {
		sm.mu.Unlock()
		return nil
	}
	info := sm.info
	sm.active = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	err := s.Close()
	sm.log.Info("session stopped",
		"session_id", id,
		"duration", sm.now().Sub(info.StartedAt).Round(time.Millisecond).String(),
	)
	if err != nil {
		return fmt.Errorf("app: stop session %s: %w", id, err)
	}
	return nil
}

// Active returns the active session's metadata.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active != nil
}

// Shutdown closes the active session, if any.
func (sm *SessionManager) Shutdown() error {
	info, ok := sm.Active()
	if !ok {
		return nil
	}
	return sm.Stop(info.SessionID)
}

// SessionConfig translates cfg into the settings of one session whose
// microphone runs at sourceRate.
func SessionConfig(cfg *config.Config, sourceRate int) (session.Config, error) {
	profile, err := gate.LookupProfile(cfg.Gate.Profile)
	if err != nil {
		return session.Config{}, fmt.Errorf("app: %w", err)
	}

	conv := cfg.Conversation
	tc := turn.Config{
		SystemPrompt:  conv.SystemPrompt,
		MaxHistory:    conv.MaxHistoryTurns,
		MaxInputChars: conv.MaxInputChars,
		WaitTimeout:   conv.TurnWaitTimeout,
		Voice: tts.Voice{
			ID:              cfg.Voice.VoiceID,
			Encoding:        cfg.Voice.Encoding,
			Speed:           cfg.Voice.Speed,
			Stability:       cfg.Voice.Stability,
			SimilarityBoost: cfg.Voice.SimilarityBoost,
			Style:           cfg.Voice.Style,
		},
		Workers:        cfg.Synthesis.MaxConcurrent,
		RequestTimeout: cfg.Synthesis.RequestTimeout,
	}
	if conv.Temperature != nil {
		tc.Temperature = *conv.Temperature
	}

	return session.Config{
		SourceRate:    sourceRate,
		TargetRate:    cfg.Audio.TargetSampleRate,
		Profile:       profile,
		PreRollFrames: cfg.Gate.PreRollFrames,
		Language:      optString(cfg.Providers.STT.Options, "language"),
		KickoffPrompt: conv.KickoffPrompt,
		Turn:          tc,
	}, nil
}
