// Package playback serialises synthesized audio chunks onto a single audio
// sink in strict sequence order.
//
// Synthesis requests complete out of order. The [Queue] parks each finished
// [Item] in a ready map keyed by its sequence number and moves items to the
// play queue only when the next expected sequence is present, so a slow chunk
// holds back every later one. At most one item renders at a time.
//
// Every item carries the epoch of the turn that produced it. [Queue.Begin]
// opens an epoch and [Queue.Reset] closes it; items from any other epoch are
// released on arrival, so audio from an interrupted turn can never leak into
// the next one.
//
// All exported methods are safe for concurrent use.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSinkRejected is reported when the sink refuses to play an item, for
// example because the browser blocked autoplay. The queue halts until
// [Queue.Resume] or [Queue.Reset].
var ErrSinkRejected = errors.New("playback: sink rejected playback")

// Item is one synthesized chunk ready for playback.
type Item struct {
	// Epoch identifies the turn that produced the item.
	Epoch uint64

	// Seq is the chunk's position within its turn, starting at 0.
	Seq int

	// Text is the text the audio speaks.
	Text string

	// Audio is the encoded audio payload.
	Audio []byte

	// MimeType describes Audio, e.g. "audio/mpeg".
	MimeType string

	// Skip marks a placeholder for a chunk whose synthesis failed. It keeps
	// the sequence moving without touching the sink.
	Skip bool

	// Release, if set, is called exactly once when the queue is done with the
	// item, whether it was played or discarded.
	Release func()
}

func (it *Item) release() {
	if it.Release != nil {
		it.Release()
		it.Release = nil
	}
}

// Sink renders one item at a time.
type Sink interface {
	// SetSource loads item as the current source.
	SetSource(item Item) error

	// Play starts the current source. It returns once playback has started;
	// the returned channel is closed when playback ends or is paused. A
	// non-nil error means the sink refused to start.
	Play(ctx context.Context) (<-chan struct{}, error)

	// Pause stops playback of the current source.
	Pause()
}

// EventKind enumerates playback notifications.
type EventKind int

const (
	// EventStarted fires when the sink starts rendering an item.
	EventStarted EventKind = iota + 1

	// EventFinished fires when an item has been rendered to the end.
	EventFinished

	// EventSkipped fires when a Skip placeholder is consumed.
	EventSkipped

	// EventIdle fires when the last queued item finished and nothing is
	// waiting.
	EventIdle

	// EventStopped fires when Reset interrupted an item that was rendering.
	EventStopped

	// EventError fires when the sink refused an item.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	case EventSkipped:
		return "skipped"
	case EventIdle:
		return "idle"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a playback notification delivered to observers.
type Event struct {
	Kind  EventKind
	Epoch uint64
	Seq   int
	Text  string
	Err   error
}

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is the ordered playback queue for one session.
type Queue struct {
	sink   Sink
	sinkMu sync.Mutex
	log    *slog.Logger

	mu        sync.Mutex
	epoch     uint64 // 0 while closed
	ready     map[int]Item
	playQueue []Item
	next      int
	playing   bool
	halted    error
	gen       uint64 // bumped on Reset/Begin to orphan in-flight renders
	ctx       context.Context
	cancel    context.CancelFunc
	observers []func(Event)
}

// New returns a Queue rendering to sink. The queue starts closed; call
// [Queue.Begin] before submitting items.
func New(sink Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:  sink,
		log:   slog.Default(),
		ready: make(map[int]Item),
	}
	for _, o := range opts {
		o(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Observe registers fn to receive playback events. fn is called from the
// goroutine that caused the event, possibly while the sink is locked, and
// must not block or call back into the queue.
func (q *Queue) Observe(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

// Begin opens epoch for submissions and resets the expected sequence to 0.
// Leftovers from a previous epoch are discarded.
func (q *Queue) Begin(epoch uint64) {
	q.mu.Lock()
	dropped, wasPlaying := q.clearLocked()
	q.epoch = epoch
	obs := q.observersLocked()
	q.mu.Unlock()

	if wasPlaying {
		q.pauseSink()
	}
	q.finishClear(dropped, wasPlaying, obs)
}

// Submit hands a finished chunk to the queue. Items from a closed or foreign
// epoch, and duplicate or stale sequence numbers, are released and ignored.
// Submit reports whether the item was accepted.
func (q *Queue) Submit(item Item) bool {
	q.mu.Lock()
	if q.epoch == 0 || item.Epoch != q.epoch {
		epoch := q.epoch
		q.mu.Unlock()
		q.log.Debug("playback: dropping item from inactive epoch",
			"item_epoch", item.Epoch, "epoch", epoch, "seq", item.Seq)
		item.release()
		return false
	}
	if _, dup := q.ready[item.Seq]; dup || item.Seq < q.next {
		q.mu.Unlock()
		q.log.Warn("playback: dropping duplicate item", "epoch", item.Epoch, "seq", item.Seq)
		item.release()
		return false
	}

	q.ready[item.Seq] = item
	for {
		it, ok := q.ready[q.next]
		if !ok {
			break
		}
		delete(q.ready, q.next)
		q.playQueue = append(q.playQueue, it)
		q.next++
	}
	q.tryPlayNextLocked()
	q.mu.Unlock()
	return true
}

// Reset stops playback, discards everything queued and closes the current
// epoch. Reset is idempotent.
func (q *Queue) Reset() {
	q.mu.Lock()
	dropped, wasPlaying := q.clearLocked()
	q.epoch = 0
	obs := q.observersLocked()
	q.mu.Unlock()

	q.pauseSink()
	q.finishClear(dropped, wasPlaying, obs)
}

// Resume clears a halt caused by a sink rejection and retries the item that
// was refused.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted == nil {
		return
	}
	q.log.Info("playback: resuming after sink rejection")
	q.halted = nil
	q.tryPlayNextLocked()
}

// Idle reports whether nothing is rendering, queued or waiting for a
// missing sequence.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.playing && len(q.playQueue) == 0 && len(q.ready) == 0
}

// Playing reports whether an item is rendering.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Halted returns the sink error the queue is halted on, or nil.
func (q *Queue) Halted() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Epoch returns the open epoch, or 0 when closed.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Next returns the next sequence number the queue is waiting for.
func (q *Queue) Next() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Pending returns the number of items parked in the ready map and the play
// queue.
func (q *Queue) Pending() (ready, queued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.playQueue)
}

// ─── internals ──────────────────────────────────────────────────────────────

// tryPlayNextLocked starts rendering the head of the play queue if nothing is
// rendering. Must be called with q.mu held.
func (q *Queue) tryPlayNextLocked() {
	if q.playing || q.halted != nil || len(q.playQueue) == 0 {
		return
	}
	head := q.playQueue[0]
	q.playQueue[0] = Item{}
	q.playQueue = q.playQueue[1:]
	q.playing = true
	go q.render(q.ctx, q.gen, head)
}

func (q *Queue) render(ctx context.Context, gen uint64, it Item) {
	if it.Skip {
		q.log.Debug("playback: skipping failed chunk", "epoch", it.Epoch, "seq", it.Seq)
		q.finish(gen, it, EventSkipped)
		return
	}

	// sinkMu orders this render against Reset's Pause: a render that lost
	// the race never touches the sink, one that won is paused by Reset.
	q.sinkMu.Lock()
	obs, current := q.current(gen)
	if !current {
		q.sinkMu.Unlock()
		it.release()
		return
	}
	if err := q.sink.SetSource(it); err != nil {
		q.sinkMu.Unlock()
		q.reject(gen, it, err)
		return
	}
	done, err := q.sink.Play(ctx)
	if err != nil {
		q.sinkMu.Unlock()
		q.reject(gen, it, err)
		return
	}
	emit(obs, Event{Kind: EventStarted, Epoch: it.Epoch, Seq: it.Seq, Text: it.Text})
	q.sinkMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	q.finish(gen, it, EventFinished)
}

func (q *Queue) current(gen uint64) ([]func(Event), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.observersLocked(), gen == q.gen
}

// finish releases it and starts the next item. A render orphaned by Reset
// only releases its item.
func (q *Queue) finish(gen uint64, it Item, kind EventKind) {
	it.release()

	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	q.playing = false
	events := []Event{{Kind: kind, Epoch: it.Epoch, Seq: it.Seq, Text: it.Text}}
	if len(q.playQueue) == 0 && len(q.ready) == 0 {
		events = append(events, Event{Kind: EventIdle, Epoch: it.Epoch})
	}
	q.tryPlayNextLocked()
	obs := q.observersLocked()
	q.mu.Unlock()

	emit(obs, events...)
}

// reject halts the queue with it back at the head so Resume can retry it.
func (q *Queue) reject(gen uint64, it Item, cause error) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		it.release()
		return
	}
	err := fmt.Errorf("%w: %w", ErrSinkRejected, cause)
	q.playing = false
	q.halted = err
	q.playQueue = append([]Item{it}, q.playQueue...)
	obs := q.observersLocked()
	q.mu.Unlock()

	q.log.Warn("playback: sink rejected item", "epoch", it.Epoch, "seq", it.Seq, "err", cause)
	emit(obs, Event{Kind: EventError, Epoch: it.Epoch, Seq: it.Seq, Err: err})
}

// clearLocked drops all queued state and orphans any in-flight render. It
// returns the items to release and whether an item was rendering. Must be
// called with q.mu held.
func (q *Queue) clearLocked() (dropped []Item, wasPlaying bool) {
	for _, it := range q.ready {
		dropped = append(dropped, it)
	}
	dropped = append(dropped, q.playQueue...)
	wasPlaying = q.playing

	q.ready = make(map[int]Item)
	q.playQueue = nil
	q.next = 0
	q.playing = false
	q.halted = nil
	q.gen++
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return dropped, wasPlaying
}

func (q *Queue) pauseSink() {
	q.sinkMu.Lock()
	defer q.sinkMu.Unlock()
	q.sink.Pause()
}

func (q *Queue) finishClear(dropped []Item, wasPlaying bool, obs []func(Event)) {
	for i := range dropped {
		dropped[i].release()
	}
	if len(dropped) > 0 || wasPlaying {
		q.log.Debug("playback: cleared queue", "dropped", len(dropped), "was_playing", wasPlaying)
	}
	if wasPlaying {
		emit(obs, Event{Kind: EventStopped})
	}
}

func (q *Queue) observersLocked() []func(Event) {
	return q.observers[:len(q.observers):len(q.observers)]
}

func emit(obs []func(Event), events ...Event) {
	for _, ev := range events {
		for _, fn := range obs {
			fn(ev)
		}
	}
}
