// Package synth turns text chunks of one assistant turn into audio with a
// bounded pool of concurrent synthesis requests.
//
// Chunks are taken from a FIFO queue by a fixed number of workers (two by
// default), so requests start in sequence order but may finish in any order.
// Every finished chunk is handed to a [Deliverer], normally the playback
// queue, tagged with its epoch and sequence number; the playback queue
// restores order. A failed or timed-out request is delivered as a skip
// placeholder so the sequence never stalls behind it.
//
// A Pipeline serves a single turn. Cancel aborts every in-flight request and
// discards everything not yet started.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	// DefaultWorkers is the number of concurrent synthesis requests.
	DefaultWorkers = 2

	// DefaultRequestTimeout bounds a single synthesis request.
	DefaultRequestTimeout = 15 * time.Second
)

// ErrClosed is returned by [Pipeline.Enqueue] after Close or Cancel.
var ErrClosed = errors.New("synth: pipeline closed")

// Chunk is one piece of assistant text to synthesize.
type Chunk struct {
	// Epoch identifies the turn the chunk belongs to.
	Epoch uint64

	// Seq is the chunk's position within the turn, starting at 0.
	Seq int

	// Text is the text to speak.
	Text string
}

// Deliverer receives finished chunks. [playback.Queue] implements it.
type Deliverer interface {
	Submit(item playback.Item) bool
}

var _ Deliverer = (*playback.Queue)(nil)

// Stats aggregates synthesis metrics over a turn.
type Stats struct {
	// Requests counts chunks that were sent to the provider.
	Requests int

	// Failures counts chunks delivered as skip placeholders.
	Failures int

	// FirstServerTime and FirstDownloadTime belong to the turn's opening
	// chunk (Seq 0), whichever request finishes first. They stay zero when
	// that chunk failed.
	FirstServerTime   time.Duration
	FirstDownloadTime time.Duration

	// ServerTime and DownloadTime are summed over all successful requests.
	ServerTime   time.Duration
	DownloadTime time.Duration

	// Chars is the number of characters synthesized.
	Chars int

	// CostUSD is the estimated spend.
	CostUSD float64

	// Warnings holds every distinct provider warning, in arrival order.
	Warnings []string
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithWorkers sets the number of concurrent requests. Values below 1 are
// ignored.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRequestTimeout bounds each request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithBreaker routes every request through cb, so a dead backend fails fast.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Pipeline) { p.breaker = cb }
}

// WithMetrics records latency, cost and failures on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderName labels metrics and logs. Default: "tts".
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.providerName = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithErrorHandler registers fn to be called for every chunk that failed to
// synthesize. fn runs on a worker goroutine and must not block.
func WithErrorHandler(fn func(Chunk, error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// Pipeline is the bounded synthesis worker pool of one turn. All methods are
// safe for concurrent use.
type Pipeline struct {
	provider     tts.Provider
	out          Deliverer
	voice        tts.Voice
	workers      int
	timeout      time.Duration
	breaker      *resilience.CircuitBreaker
	metrics      *observe.Metrics
	providerName string
	log          *slog.Logger
	onError      func(Chunk, error)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	notify chan struct{}
	closed chan struct{}

	mu        sync.Mutex
	pending   []Chunk
	inFlight  int
	done      bool
	closeOnce sync.Once
	stats     Stats
}

// New starts a pipeline that synthesizes with provider in voice and delivers
// to out. The workers stop when ctx is cancelled, [Pipeline.Cancel] is
// called, or the queue drains after [Pipeline.Close].
func New(ctx context.Context, provider tts.Provider, out Deliverer, voice tts.Voice, opts ...Option) *Pipeline {
	p := &Pipeline{
		provider:     provider,
		out:          out,
		voice:        voice,
		workers:      DefaultWorkers,
		timeout:      DefaultRequestTimeout,
		providerName: "tts",
		log:          slog.Default(),
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(p.ctx)
	p.group = g
	for range p.workers {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	return p
}

// Enqueue appends c to the FIFO queue.
func (p *Pipeline) Enqueue(c Chunk) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending = append(p.pending, c)
	p.mu.Unlock()
	p.wake()
	return nil
}

// Close marks the end of input. Queued chunks are still synthesized; the
// workers exit once the queue is empty.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closed) })
}

// Cancel aborts every in-flight request and drops queued chunks without
// delivering them. Cancel is idempotent.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	p.done = true
	p.pending = nil
	p.mu.Unlock()
	p.cancel()
	p.closeOnce.Do(func() { close(p.closed) })
}

// Wait blocks until every worker has exited.
func (p *Pipeline) Wait() {
	_ = p.group.Wait()
	p.cancel()
}

// Idle reports whether nothing is queued or in flight. A chunk counts as in
// flight until it has been delivered.
func (p *Pipeline) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0 && p.inFlight == 0
}

// InFlight returns the number of requests currently running.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Stats returns a snapshot of the aggregated metrics.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Warnings = slices.Clone(p.stats.Warnings)
	return s
}

// ─── workers ────────────────────────────────────────────────────────────────

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		c, ok := p.next(ctx)
		if !ok {
			return
		}
		p.synthesize(ctx, c)
	}
}

// next pops the head of the queue, blocking until a chunk arrives, the input
// is closed and drained, or ctx ends.
func (p *Pipeline) next(ctx context.Context) (Chunk, bool) {
	for {
		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return Chunk{}, false
		}
		if len(p.pending) > 0 {
			c := p.pending[0]
			p.pending = p.pending[1:]
			p.inFlight++
			more := len(p.pending) > 0
			p.mu.Unlock()
			if more {
				// Hand the rest to an idle peer.
				p.wake()
			}
			return c, true
		}
		if p.done {
			p.mu.Unlock()
			return Chunk{}, false
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.closed:
		case <-ctx.Done():
			return Chunk{}, false
		}
	}
}

func (p *Pipeline) synthesize(ctx context.Context, c Chunk) {
	p.mu.Lock()
	p.stats.Requests++
	p.mu.Unlock()

	start := time.Now()
	var res *tts.Result
	call := func(ctx context.Context) error {
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		r, err := p.provider.Synthesize(ctx, tts.Request{Text: c.Text, Voice: p.voice})
		if err == nil && r == nil {
			err = errors.New("synth: provider returned no result")
		}
		res = r
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}

	if ctx.Err() != nil {
		// Turn cancelled; nothing is delivered.
		p.finish()
		return
	}

	if err != nil {
		p.fail(ctx, c, err)
		p.finish()
		return
	}

	p.record(ctx, c, res, time.Since(start))
	p.out.Submit(playback.Item{
		Epoch:    c.Epoch,
		Seq:      c.Seq,
		Text:     c.Text,
		Audio:    res.Audio,
		MimeType: res.MimeType,
	})
	p.finish()
}

// finish marks one request as done. Call it only after delivery so Idle
// never reports true while a result is still on its way to the queue.
func (p *Pipeline) finish() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *Pipeline) fail(ctx context.Context, c Chunk, err error) {
	reason := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = "circuit_open"
	}

	p.mu.Lock()
	p.stats.Failures++
	p.mu.Unlock()

	p.log.Warn("synth: chunk failed, skipping",
		"epoch", c.Epoch, "seq", c.Seq, "reason", reason, "err", err)
	if p.metrics != nil {
		p.metrics.RecordSynthesisFailure(ctx, p.providerName, reason)
		p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", "error")
		p.metrics.RecordProviderError(ctx, p.providerName, "tts")
	}

	p.out.Submit(playback.Item{Epoch: c.Epoch, Seq: c.Seq, Text: c.Text, Skip: true})
	if p.onError != nil {
		p.onError(c, fmt.Errorf("synth: chunk %d: %w", c.Seq, err))
	}
}

func (p *Pipeline) record(ctx context.Context, c Chunk, res *tts.Result, elapsed time.Duration) {
	p.mu.Lock()
	s := &p.stats
	if c.Seq == 0 {
		s.FirstServerTime = res.ServerTime
		s.FirstDownloadTime = res.DownloadTime
	}
	s.ServerTime += res.ServerTime
	s.DownloadTime += res.DownloadTime
	s.Chars += res.Chars
	s.CostUSD += res.CostUSD
	for _, w := range res.Warnings {
		if !slices.Contains(s.Warnings, w) {
			s.Warnings = append(s.Warnings, w)
		}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		observe.ObserveDuration(ctx, p.metrics.TTSDuration, elapsed, observe.Attr("provider", p.providerName))
		p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", "ok")
		p.metrics.RecordProviderCost(ctx, p.providerName, "tts", res.CostUSD)
	}
}
