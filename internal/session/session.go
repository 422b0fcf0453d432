// Package session wires one voice conversation together: microphone audio
// flows through the resampling frame producer and the voice-activity gate
// into a streaming transcription session, completed utterances start
// assistant turns, and playback notifications feed back into the gate so it
// knows when the assistant is talking.
//
// A Session runs a single event loop goroutine that owns the frame producer,
// the gate and the utterance accumulator. Every input (audio, push-to-talk,
// client controls, playback events, finished turns) is posted to an
// unbounded mailbox and handled on that loop, so none of those components
// needs a lock and no caller ever blocks on the loop.
//
// Only one Session should be live per process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/gate"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	eventBuffer = 256
	errorBuffer = 32
)

var (
	// ErrAlreadyStarted is returned by a second call to [Session.Start].
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNoKickoff is returned by [Session.Kickoff] when neither the call
	// nor the configuration supplies a prompt.
	ErrNoKickoff = errors.New("session: no kickoff prompt configured")

	errSTTEnded = errors.New("transcription stream ended")
)

// Deps are the external collaborators of a session.
type Deps struct {
	STT  stt.Provider
	LLM  llm.Provider
	TTS  tts.Provider
	Sink playback.Sink
}

// Config shapes a session.
type Config struct {
	// SourceRate is the microphone sample rate in Hz.
	SourceRate int

	// TargetRate is the frame rate sent to transcription. Default:
	// [audio.DefaultSampleRate].
	TargetRate int

	// Profile is the gate profile.
	Profile gate.Profile

	// PreRollFrames is the gate's pre-roll capacity. Zero selects the gate
	// default.
	PreRollFrames int

	// Language and Keywords are passed to the transcription backend.
	Language string
	Keywords []stt.KeywordBoost

	// KickoffPrompt is the instruction used by [Session.Kickoff] when the
	// caller supplies none.
	KickoffPrompt string

	// Turn configures the turn orchestrator.
	Turn turn.Config
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the base logger. The session adds a session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics records session, turn and provider metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBreaker guards synthesis with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = cb }
}

// WithProviderNames labels provider metrics.
func WithProviderNames(sttName, llmName, ttsName string) Option {
	return func(s *Session) {
		s.sttName = sttName
		s.llmName = llmName
		s.ttsName = ttsName
	}
}

// WithHistory continues an existing conversation.
func WithHistory(h *turn.History) Option {
	return func(s *Session) { s.history = h }
}

// WithClock replaces time.Now for the gate and the accumulator.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// ---- inbox messages ----

type message any

type (
	audioMsg    []float32
	pressMsg    struct{}
	releaseMsg  struct{}
	stopMsg     struct{}
	resumeMsg   struct{}
	kickoffMsg  string
	playbackMsg playback.Event
	chunkErrMsg struct{ err error }
	turnDoneMsg struct {
		res *turn.Result
		err error
	}
)

// Session is one live voice conversation.
type Session struct {
	id      string
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	history *turn.History
	now     func() time.Time

	sttName, llmName, ttsName string

	queue *playback.Queue
	orch  *turn.Orchestrator

	inbox  *mailbox[message]
	events chan Event
	errs   chan *Error

	// Owned by the loop goroutine after Start.
	producer   *audio.FrameProducer
	gate       *gate.Gate
	acc        *utterance.Accumulator
	stt        stt.SessionHandle
	sttEvents  <-chan stt.Event
	sttFailed  bool
	cancelTurn context.CancelFunc
	lastTurn   chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	turns    sync.WaitGroup
}

// New builds a session. It fails if a dependency is missing, the gate
// profile is invalid or the sample rates are unusable, so a misconfigured
// session never starts.
func New(deps Deps, cfg Config, opts ...Option) (*Session, error) {
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.Sink == nil {
		return nil, errors.New("session: missing provider or sink")
	}
	s := &Session{
		id:      uuid.NewString(),
		deps:    deps,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		sttName: "stt",
		llmName: "llm",
		ttsName: "tts",
		inbox:   newMailbox[message](),
		events:  make(chan Event, eventBuffer),
		errs:    make(chan *Error, errorBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)

	var err error
	s.gate, err = gate.New(cfg.Profile, gate.WithClock(s.now), gate.WithPreRollFrames(cfg.PreRollFrames))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	target := cfg.TargetRate
	if target == 0 {
		target = audio.DefaultSampleRate
	}
	s.producer, err = audio.NewFrameProducer(cfg.SourceRate, audio.WithTargetRate(target))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.acc = utterance.New(utterance.WithClock(s.now))

	s.queue = playback.New(deps.Sink, playback.WithLogger(s.log))
	orchOpts := []turn.Option{
		turn.WithLogger(s.log),
		turn.WithProviderNames(s.llmName, s.ttsName),
		turn.WithChunkErrorHandler(func(err error) { s.inbox.put(chunkErrMsg{err}) }),
	}
	if s.history != nil {
		orchOpts = append(orchOpts, turn.WithHistory(s.history))
	}
	if s.breaker != nil {
		orchOpts = append(orchOpts, turn.WithBreaker(s.breaker))
	}
	if s.metrics != nil {
		orchOpts = append(orchOpts, turn.WithMetrics(s.metrics))
	}
	s.orch = turn.New(deps.LLM, deps.TTS, s.queue, cfg.Turn, orchOpts...)
	s.queue.Observe(func(ev playback.Event) { s.inbox.put(playbackMsg(ev)) })
	return s, nil
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// History returns the conversation history.
func (s *Session) History() *turn.History { return s.orch.History() }

// Events returns the session's notification channel. Events are dropped
// when the consumer falls more than a few hundred behind. The channel is
// closed by [Session.Close].
func (s *Session) Events() <-chan Event { return s.events }

// Errors returns the session's error channel. It is closed by
// [Session.Close].
func (s *Session) Errors() <-chan *Error { return s.errs }

// Start opens the transcription stream and starts the event loop. The
// session lives until ctx is cancelled or [Session.Close] is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.started:
		return ErrAlreadyStarted
	}

	handle, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: s.producer.TargetRate(),
		Channels:   1,
		Language:   s.cfg.Language,
		Keywords:   s.cfg.Keywords,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, s.sttName, "stt")
		}
		return fmt.Errorf("session: start transcription: %w", err)
	}
	s.stt = handle
	s.sttEvents = handle.Events()
	s.gate.Reset()

	lctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.started = true
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}

	s.log.Info("session: started",
		"gate_profile", s.cfg.Profile.Name,
		"source_rate", s.producer.SourceRate(),
		"target_rate", s.producer.TargetRate(),
	)
	go s.loop(lctx)
	return nil
}

// Close stops the session: the running turn is cancelled, the event loop
// exits, the transcription stream is closed and both channels are closed.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	s.orch.Cancel()
	if !started {
		s.queue.Reset()
		close(s.events)
		close(s.errs)
		return nil
	}

	cancel()
	// The transcription handle closes alongside the loop so a stalled
	// backend cannot hold the loop up.
	sttClosed := make(chan error, 1)
	go func() { sttClosed <- s.stt.Close() }()
	<-s.loopDone
	s.turns.Wait()
	s.queue.Reset()

	var err error
	if cerr := <-sttClosed; cerr != nil {
		err = fmt.Errorf("session: close transcription: %w", cerr)
	}
	close(s.events)
	close(s.errs)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Info("session: closed")
	return err
}

// ---- inputs ----

// PushAudio feeds a block of microphone samples at the source rate. The
// block is copied.
func (s *Session) PushAudio(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.inbox.put(audioMsg(slices.Clone(samples)))
}

// Press holds the push-to-talk button. Ignored by energy-based profiles.
func (s *Session) Press() { s.inbox.put(pressMsg{}) }

// Release lets go of the push-to-talk button and asks the transcription
// backend to finalize the utterance.
func (s *Session) Release() { s.inbox.put(releaseMsg{}) }

// Stop interrupts the assistant without starting a new turn.
func (s *Session) Stop() { s.inbox.put(stopMsg{}) }

// Resume retries playback after the sink refused an item.
func (s *Session) Resume() { s.inbox.put(resumeMsg{}) }

// Kickoff starts an assistant-initiated turn with instruction, or with the
// configured kickoff prompt when instruction is empty.
func (s *Session) Kickoff(instruction string) error {
	if instruction == "" {
		instruction = s.cfg.KickoffPrompt
	}
	if instruction == "" {
		return ErrNoKickoff
	}
	s.inbox.put(kickoffMsg(instruction))
	return nil
}

// ---- event loop ----

func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			s.interrupt()
			return
		case <-s.inbox.ready():
			for _, m := range s.inbox.take() {
				s.handle(ctx, m)
			}
		case ev, ok := <-s.sttEvents:
			if !ok {
				s.sttEvents = nil
				if ctx.Err() == nil && !s.sttFailed {
					s.sttFailed = true
					s.report(ScopeSTT, errSTTEnded, false)
				}
				continue
			}
			s.handleSTT(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case audioMsg:
		for _, f := range s.producer.Push(m) {
			s.apply(ctx, s.gate.Process(f))
		}
	case pressMsg:
		s.apply(ctx, s.gate.Press())
	case releaseMsg:
		d := s.gate.Release()
		s.apply(ctx, d)
		if d.SpeechEnded {
			s.finalize()
		}
	case stopMsg:
		if s.interrupt() {
			s.log.Info("session: assistant stopped by client")
		}
	case resumeMsg:
		s.queue.Resume()
	case kickoffMsg:
		s.startTurn(ctx, turn.Request{Text: string(m), Kickoff: true})
	case playbackMsg:
		s.handlePlayback(playback.Event(m))
	case chunkErrMsg:
		s.report(ScopeTTS, m.err, true)
	case turnDoneMsg:
		s.handleTurnDone(m)
	}
}

// apply carries out a gate decision.
func (s *Session) apply(ctx context.Context, d gate.Decision) {
	if d.BargeIn {
		// Playback must stop before the pre-roll reaches transcription.
		s.interrupt()
		if s.metrics != nil {
			s.metrics.RecordBargeIn(ctx)
		}
		s.log.Info("session: barge-in", "epoch", s.orch.Epoch(), "pre_roll", len(d.Forward))
		s.emit(Event{Kind: EventBargeIn, Epoch: s.orch.Epoch()})
	}
	if d.SpeechStarted {
		s.acc.Begin(s.now())
		s.emit(Event{Kind: EventSpeechStarted})
	}
	for _, f := range d.Forward {
		s.send(f)
	}
	if d.SpeechEnded {
		s.emit(Event{Kind: EventSpeechEnded})
	}
}

func (s *Session) send(f audio.Frame) {
	if s.sttFailed {
		return
	}
	if err := s.stt.SendAudio(f.Bytes()); err != nil {
		s.failSTT("send audio", err)
	}
}

func (s *Session) finalize() {
	if s.sttFailed {
		return
	}
	if err := s.stt.Finalize(); err != nil {
		s.failSTT("finalize", err)
	}
}

// failSTT stops all further transcription calls. A handle that Close has
// already shut is not reported.
func (s *Session) failSTT(op string, err error) {
	s.sttFailed = true
	if errors.Is(err, stt.ErrSessionClosed) && s.isClosed() {
		return
	}
	s.report(ScopeSTT, fmt.Errorf("%s: %w", op, err), false)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) handleSTT(ctx context.Context, ev stt.Event) {
	switch ev.Kind {
	case stt.EventTranscript:
		tr := ev.Transcript
		if tr.Text != "" {
			s.emit(Event{Kind: EventTranscript, Text: tr.Text, IsFinal: tr.IsFinal})
		}
		u, ok := s.acc.Add(utterance.Fragment{
			Text:             tr.Text,
			IsFinal:          tr.IsFinal,
			IsUtteranceFinal: tr.IsUtteranceFinal,
		})
		if !ok {
			return
		}
		s.log.Debug("session: utterance complete",
			"chars", len(u.Text),
			"total", u.Total(),
			"first_result", u.FirstResult(),
		)
		if s.metrics != nil {
			observe.ObserveDuration(ctx, s.metrics.STTDuration, u.Total())
		}
		s.emit(Event{Kind: EventUtterance, Text: u.Text})
		s.startTurn(ctx, turn.Request{Text: u.Text, Utterance: &u})

	case stt.EventStats:
		if s.metrics != nil {
			s.metrics.RecordProviderCost(ctx, s.sttName, "stt", ev.Stats.CostUSD)
		}
		s.emit(Event{Kind: EventSTTStats, Stats: ev.Stats})

	case stt.EventError:
		s.sttFailed = true
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, s.sttName, "stt")
		}
		s.report(ScopeSTT, ev.Err, false)
	}
}

func (s *Session) handlePlayback(ev playback.Event) {
	switch ev.Kind {
	case playback.EventStarted:
		// A start from a turn that was already torn down is stale.
		if ev.Epoch == s.queue.Epoch() {
			s.gate.SetAssistantSpeaking(true)
		}
	case playback.EventIdle, playback.EventStopped:
		s.gate.SetAssistantSpeaking(false)
	case playback.EventError:
		s.gate.SetAssistantSpeaking(false)
		s.report(ScopePlayback, ev.Err, true)
	}
	s.emit(Event{Kind: EventPlayback, Epoch: ev.Epoch, Playback: ev})
}

func (s *Session) handleTurnDone(m turnDoneMsg) {
	switch {
	case m.err == nil, errors.Is(m.err, turn.ErrInterrupted):
		if m.res == nil {
			return
		}
		if m.res.TimedOut {
			s.log.Warn("session: turn playback timed out", "epoch", m.res.Epoch)
		}
		s.emit(Event{Kind: EventTurnFinished, Epoch: m.res.Epoch, Text: m.res.Text, Result: m.res})
	case errors.Is(m.err, context.Canceled):
		s.log.Debug("session: turn cancelled before it started")
	default:
		s.report(ScopeLLM, m.err, true)
	}
}

// startTurn runs req after the previous turn has been torn down. Turns
// start in the order they were requested.
func (s *Session) startTurn(ctx context.Context, req turn.Request) {
	s.interrupt()

	tctx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	prev := s.lastTurn
	done := make(chan struct{})
	s.lastTurn = done

	s.emit(Event{Kind: EventTurnStarted, Text: req.Text})
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if err := tctx.Err(); err != nil {
			s.inbox.put(turnDoneMsg{err: err})
			return
		}
		res, err := s.orch.Run(tctx, req)
		s.inbox.put(turnDoneMsg{res: res, err: err})
	}()
}

// interrupt cancels the running or pending turn and reports whether one was
// running.
func (s *Session) interrupt() bool {
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	return s.orch.Cancel()
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("session: event dropped, consumer too slow", "kind", ev.Kind)
	}
}

func (s *Session) report(scope Scope, err error, recoverable bool) {
	if recoverable {
		s.log.Warn("session: error", "scope", scope, "err", err)
	} else {
		s.log.Error("session: error", "scope", scope, "err", err)
	}
	select {
	case s.errs <- &Error{Scope: scope, Err: err, Recoverable: recoverable}:
	default:
	}
}
