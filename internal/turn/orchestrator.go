// Package turn runs one assistant turn at a time: it streams a completion,
// cuts the stream into speakable chunks, feeds them to the synthesis
// pipeline and waits until the last chunk has been played.
//
// A turn is identified by an epoch. The epoch is opened on the playback
// queue before the first chunk is synthesized and travels with every chunk,
// so audio from an interrupted turn is rejected by the queue even if its
// synthesis finishes after the next turn has begun.
//
// [Orchestrator.Cancel] is the barge-in path. It aborts the completion
// stream and every synthesis request and resets the playback queue; the
// running [Orchestrator.Run] call observes the cancellation and returns
// [ErrInterrupted].
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/chunker"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/synth"
	"github.com/MrWong99/parley/internal/utterance"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMaxHistory    = 10
	DefaultMaxInputChars = 5000
	DefaultWaitTimeout   = 30 * time.Second
	DefaultPollInterval  = 50 * time.Millisecond
)

var (
	// ErrInterrupted is returned by [Orchestrator.Run] when the turn was
	// cancelled before its audio finished playing.
	ErrInterrupted = errors.New("turn: interrupted")

	// ErrNoConfig is returned when the orchestrator lacks a provider or
	// playback queue.
	ErrNoConfig = errors.New("turn: orchestrator not configured")
)

// Config shapes every turn.
type Config struct {
	// SystemPrompt is the first message of every completion.
	SystemPrompt string

	// Model overrides the LLM provider's model when non-empty.
	Model string

	// Temperature is passed to the LLM. Zero means provider default.
	Temperature float64

	// MaxHistory is the number of past messages replayed per turn.
	MaxHistory int

	// MaxInputChars clamps the user text, counted in runes.
	MaxInputChars int

	// WaitTimeout bounds the wait for synthesis and playback after the
	// stream ends.
	WaitTimeout time.Duration

	// PollInterval is how often the wait checks for completion.
	PollInterval time.Duration

	// Voice is the synthesis voice.
	Voice tts.Voice

	// Workers is the number of concurrent synthesis requests.
	Workers int

	// RequestTimeout bounds each synthesis request.
	RequestTimeout time.Duration
}

// Request starts a turn.
type Request struct {
	// Text is the user's message.
	Text string

	// Kickoff marks an assistant-initiated turn. Its user text is an
	// instruction and is not recorded in history.
	Kickoff bool

	// Utterance carries transcription timing when Text came from speech.
	Utterance *utterance.Utterance
}

// Metrics are the merged STT, LLM and TTS measurements of one turn.
type Metrics struct {
	STTTotal         time.Duration
	STTFirstResult   time.Duration
	TimeToFirstToken time.Duration
	LLMTotal         time.Duration
	TimeToFirstAudio time.Duration
	Synthesis        synth.Stats
}

// Result describes a finished turn.
type Result struct {
	// Epoch is the turn's epoch.
	Epoch uint64

	// Text is the assistant's reply. For an interrupted turn it is the
	// prefix whose playback had started.
	Text string

	// Chunks is the number of chunks sent to synthesis.
	Chunks int

	// Interrupted is set when the turn was cancelled.
	Interrupted bool

	// TimedOut is set when playback did not drain within the wait timeout.
	TimedOut bool

	Metrics Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithHistory shares h between orchestrators or with the caller. Default:
// a fresh [History].
func WithHistory(h *History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithChunker overrides the chunking policy.
func WithChunker(c chunker.Config) Option {
	return func(o *Orchestrator) { o.chunker = c }
}

// WithBreaker guards synthesis with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// WithMetrics records turn metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProviderNames labels provider metrics.
func WithProviderNames(llmName, ttsName string) Option {
	return func(o *Orchestrator) {
		o.llmName = llmName
		o.ttsName = ttsName
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithChunkErrorHandler registers fn for non-fatal synthesis failures. fn
// must not block.
func WithChunkErrorHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onChunkError = fn }
}

// Orchestrator runs assistant turns against one playback queue. Run calls
// are serialised; all methods are safe for concurrent use.
type Orchestrator struct {
	llm     llm.Provider
	tts     tts.Provider
	queue   *playback.Queue
	cfg     Config
	chunker chunker.Config
	history *History

	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	llmName      string
	ttsName      string
	log          *slog.Logger
	onChunkError func(error)

	runMu sync.Mutex

	mu     sync.Mutex
	epoch  uint64
	active *activeTurn
}

// activeTurn is the state of the running turn shared with the playback
// observer and Cancel.
type activeTurn struct {
	epoch   uint64
	started time.Time
	cancel  context.CancelFunc

	mu         sync.Mutex
	spoken     []string
	firstAudio time.Duration
}

func (a *activeTurn) markStarted(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstAudio == 0 {
		a.firstAudio = time.Since(a.started)
	}
	a.spoken = append(a.spoken, text)
}

func (a *activeTurn) spokenText() (string, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.spoken, " "), a.firstAudio
}

// New returns an Orchestrator that completes with llmP, synthesizes with
// ttsP and plays through queue.
func New(llmP llm.Provider, ttsP tts.Provider, queue *playback.Queue, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = synth.DefaultWorkers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = synth.DefaultRequestTimeout
	}

	o := &Orchestrator{
		llm:     llmP,
		tts:     ttsP,
		queue:   queue,
		cfg:     cfg,
		chunker: chunker.DefaultConfig,
		llmName: "llm",
		ttsName: "tts",
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.history == nil {
		o.history = NewHistory(0)
	}
	if queue != nil {
		queue.Observe(o.onPlayback)
	}
	return o
}

// History returns the conversation history.
func (o *Orchestrator) History() *History { return o.history }

// Epoch returns the epoch of the most recent turn.
func (o *Orchestrator) Epoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

// Active reports whether a turn is running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Cancel interrupts the running turn: the completion stream and every
// synthesis request are aborted and the playback queue is reset. Cancel
// returns immediately and reports whether a turn was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	a := o.active
	o.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	// Outside o.mu: Reset notifies observers synchronously.
	o.queue.Reset()
	return true
}

// Run executes one turn and blocks until its audio has finished playing, it
// is cancelled, or the wait times out. A running turn is cancelled first.
//
// A failure to open the completion stream, or an error reported by the
// stream, aborts the turn with an error. A chunk that fails to synthesize
// only drops that chunk's audio.
func (o *Orchestrator) Run(ctx context.Context, req Request) (_ *Result, runErr error) {
	if o.llm == nil || o.tts == nil || o.queue == nil {
		return nil, ErrNoConfig
	}

	o.Cancel()
	o.runMu.Lock()
	defer o.runMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "turn.run")
	defer func() {
		spanErr := runErr
		if errors.Is(spanErr, ErrInterrupted) {
			spanErr = nil
		}
		observe.EndSpan(span, spanErr)
	}()

	tctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.epoch++
	a := &activeTurn{epoch: o.epoch, started: time.Now(), cancel: cancel}
	o.active = a
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.active == a {
			o.active = nil
		}
		o.mu.Unlock()
	}()

	log := observe.Logger(ctx, o.log).With("epoch", a.epoch)
	o.queue.Begin(a.epoch)

	pipe := synth.New(tctx, o.tts, o.queue, o.cfg.Voice,
		synth.WithWorkers(o.cfg.Workers),
		synth.WithRequestTimeout(o.cfg.RequestTimeout),
		synth.WithBreaker(o.breaker),
		synth.WithMetrics(o.metrics),
		synth.WithProviderName(o.ttsName),
		synth.WithLogger(log),
		synth.WithErrorHandler(func(_ synth.Chunk, err error) {
			if o.onChunkError != nil {
				o.onChunkError(err)
			}
		}),
	)

	var m Metrics
	if u := req.Utterance; u != nil {
		m.STTTotal = u.Total()
		m.STTFirstResult = u.FirstResult()
	}

	llmStart := time.Now()
	stream, err := o.llm.StreamCompletion(tctx, llm.CompletionRequest{
		Model:       o.cfg.Model,
		Messages:    o.buildMessages(req.Text),
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		o.abort(pipe)
		o.recordProvider(ctx, o.llmName, "llm", err)
		o.recordTurn(ctx, observe.OutcomeFailed, m)
		return nil, fmt.Errorf("turn: open stream: %w", err)
	}

	var (
		full      strings.Builder
		unsent    string
		seq       int
		streamErr error
	)
	enqueue := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if err := pipe.Enqueue(synth.Chunk{Epoch: a.epoch, Seq: seq, Text: text}); err != nil {
			return
		}
		seq++
	}

read:
	for {
		select {
		case <-tctx.Done():
			break read
		case c, ok := <-stream:
			if !ok {
				break read
			}
			if c.FinishReason == llm.FinishReasonError {
				streamErr = errors.New(c.Text)
				break read
			}
			if c.Text == "" {
				continue
			}
			if m.TimeToFirstToken == 0 {
				m.TimeToFirstToken = time.Since(llmStart)
			}
			full.WriteString(c.Text)
			unsent += c.Text
			for {
				chunk, rest, ok := o.chunker.Next(unsent)
				if !ok {
					break
				}
				enqueue(chunk)
				unsent = rest
			}
		}
	}
	m.LLMTotal = time.Since(llmStart)

	if streamErr != nil {
		o.abort(pipe)
		o.recordProvider(ctx, o.llmName, "llm", streamErr)
		o.recordTurn(ctx, observe.OutcomeFailed, m)
		log.Warn("turn: completion stream failed", "err", streamErr)
		return nil, fmt.Errorf("turn: stream: %w", streamErr)
	}
	if tctx.Err() == nil {
		enqueue(unsent)
		o.recordProvider(ctx, o.llmName, "llm", nil)
	}
	pipe.Close()

	timedOut, waitErr := o.wait(tctx, pipe)
	m.Synthesis = pipe.Stats()
	spoken, firstAudio := a.spokenText()
	m.TimeToFirstAudio = firstAudio
	res := &Result{Epoch: a.epoch, Chunks: seq, Metrics: m}

	switch {
	case waitErr != nil:
		o.abort(pipe)
		m.Synthesis = pipe.Stats()
		res.Metrics = m
		res.Text = spoken
		res.Interrupted = true
		o.remember(req, spoken, true, &res.Metrics)
		o.recordTurn(ctx, observe.OutcomeInterrupted, m)
		log.Info("turn: interrupted", "spoken_chars", utf8.RuneCountInString(spoken), "chunks", seq)
		return res, ErrInterrupted

	case timedOut:
		o.abort(pipe)
		res.Text = strings.TrimSpace(full.String())
		res.TimedOut = true
		o.remember(req, res.Text, false, &res.Metrics)
		o.recordTurn(ctx, observe.OutcomeTimedOut, m)
		log.Warn("turn: playback did not drain in time", "timeout", o.cfg.WaitTimeout, "chunks", seq)
		return res, nil
	}

	pipe.Wait()
	res.Text = strings.TrimSpace(full.String())
	o.remember(req, res.Text, false, &res.Metrics)
	o.recordTurn(ctx, observe.OutcomeCompleted, m)
	log.Debug("turn: completed",
		"chunks", seq,
		"ttft", m.TimeToFirstToken,
		"ttfa", m.TimeToFirstAudio,
		"tts_failures", m.Synthesis.Failures,
	)
	return res, nil
}

// wait polls until synthesis and playback are both idle. It returns the
// context error if the turn was cancelled and timedOut when the wait
// exceeded the configured bound.
func (o *Orchestrator) wait(ctx context.Context, pipe *synth.Pipeline) (timedOut bool, err error) {
	deadline := time.NewTimer(o.cfg.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.cfg.PollInterval)
	defer tick.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if pipe.Idle() && o.queue.Idle() {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return true, nil
		case <-tick.C:
		}
	}
}

// abort cancels synthesis and clears the queue. Run holds runMu, so the
// queue still belongs to this turn.
func (o *Orchestrator) abort(pipe *synth.Pipeline) {
	pipe.Cancel()
	pipe.Wait()
	o.queue.Reset()
}

func (o *Orchestrator) buildMessages(userText string) []llm.Message {
	history := o.history.Messages(o.cfg.MaxHistory)
	msgs := make([]llm.Message, 0, len(history)+2)
	if o.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: clampRunes(userText, o.cfg.MaxInputChars)})
	return msgs
}

func (o *Orchestrator) remember(req Request, reply string, interrupted bool, m *Metrics) {
	now := time.Now()
	var entries []Entry
	if !req.Kickoff {
		entries = append(entries, Entry{
			Role: llm.RoleUser,
			Text: clampRunes(req.Text, o.cfg.MaxInputChars),
			At:   now,
		})
	}
	if reply != "" {
		entries = append(entries, Entry{
			Role:        llm.RoleAssistant,
			Text:        reply,
			Interrupted: interrupted,
			At:          now,
			Metrics:     m,
		})
	}
	o.history.Add(entries...)
}

func (o *Orchestrator) onPlayback(ev playback.Event) {
	if ev.Kind != playback.EventStarted {
		return
	}
	o.mu.Lock()
	a := o.active
	o.mu.Unlock()
	if a == nil || a.epoch != ev.Epoch {
		return
	}
	a.markStarted(ev.Text)
}

func (o *Orchestrator) recordProvider(ctx context.Context, name, kind string, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		o.metrics.RecordProviderError(ctx, name, kind)
	}
	o.metrics.RecordProviderRequest(ctx, name, kind, status)
}

func (o *Orchestrator) recordTurn(ctx context.Context, outcome string, m Metrics) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordTurn(ctx, outcome)
	observe.ObserveDuration(ctx, o.metrics.STTDuration, m.STTTotal)
	observe.ObserveDuration(ctx, o.metrics.LLMDuration, m.LLMTotal, observe.Attr("provider", o.llmName))
	observe.ObserveDuration(ctx, o.metrics.TimeToFirstToken, m.TimeToFirstToken, observe.Attr("provider", o.llmName))
	observe.ObserveDuration(ctx, o.metrics.TimeToFirstAudio, m.TimeToFirstAudio)
}

// clampRunes truncates s to at most n runes.
func clampRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
