package deepgram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	keepAliveEvery = 5 * time.Second
	writeTimeout   = 10 * time.Second
	flushTimeout   = 2 * time.Second
	eventBuffer    = 64
	frameBuffer    = 256
)

var (
	// errSendBufferFull means Deepgram stopped accepting audio long enough
	// for the whole frame queue to back up.
	errSendBufferFull = errors.New("deepgram: send buffer full")

	// errConnectionLost is returned once the writer has stopped.
	errConnectionLost = errors.New("deepgram: connection lost")
)

// frame is one queued WebSocket write.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// usage counts the audio written to the socket and the part of it already
// reported in stats events.
type usage struct {
	mu       sync.Mutex
	sent     float64
	reported float64
}

func (u *usage) add(secs float64) {
	u.mu.Lock()
	u.sent += secs
	u.mu.Unlock()
}

// take marks everything up to total as reported and returns the increment.
// A negative total means "everything sent so far".
func (u *usage) take(total float64) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if total < 0 {
		total = u.sent
	}
	d := total - u.reported
	if d <= 0 {
		return 0
	}
	u.reported = total
	return d
}

// giveBack undoes a take whose event could not be delivered.
func (u *usage) giveBack(secs float64) {
	u.mu.Lock()
	u.reported -= secs
	u.mu.Unlock()
}

// session owns one listen connection. A single writer goroutine keeps audio
// and control frames in submission order; a single reader publishes events.
type session struct {
	conn        *websocket.Conn
	costPerMin  float64
	bytesPerSec float64
	statsEvery  time.Duration
	usage       usage

	frames     chan frame
	events     chan stt.Event
	closing    chan struct{}
	writerDone chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func startSession(conn *websocket.Conn, bytesPerSec, costPerMin float64, statsEvery time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:        conn,
		costPerMin:  costPerMin,
		bytesPerSec: bytesPerSec,
		statsEvery:  statsEvery,
		frames:      make(chan frame, frameBuffer),
		events:      make(chan stt.Event, eventBuffer),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.workers.Go(s.write)
	s.workers.Go(s.read)
	go func() {
		s.workers.Wait()
		close(s.events)
	}()
	return s
}

func (s *session) SendAudio(pcm []byte) error {
	return s.queue(frame{websocket.MessageBinary, pcm})
}

func (s *session) Finalize() error {
	return s.queue(frame{websocket.MessageText, msgFinalize})
}

func (s *session) Events() <-chan stt.Event { return s.events }

// Close stops accepting frames, lets the writer flush and send CloseStream,
// and waits up to flushTimeout for Deepgram's final replies before tearing
// the connection down.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)

		finished := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(finished)
		}()
		t := time.NewTimer(flushTimeout)
		defer t.Stop()
		select {
		case <-finished:
		case <-t.C:
			s.cancel()
			<-finished
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// queue never blocks. A full queue means the backend has stopped draining
// the socket and the caller gets errSendBufferFull.
func (s *session) queue(f frame) error {
	if s.isClosing() {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.writerDone:
		return errConnectionLost
	default:
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *session) send(f frame) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
		return err
	}
	if f.typ == websocket.MessageBinary && s.bytesPerSec > 0 {
		s.usage.add(float64(len(f.data)) / s.bytesPerSec)
	}
	return nil
}

// write forwards queued frames, sends KeepAlive after keepAliveEvery without
// traffic and reports usage every statsEvery. On close it drains the queue
// and ends with CloseStream.
func (s *session) write() {
	defer close(s.writerDone)

	idle := time.NewTimer(keepAliveEvery)
	defer idle.Stop()
	var tick <-chan time.Time
	if s.statsEvery > 0 {
		t := time.NewTicker(s.statsEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case f := <-s.frames:
			if s.send(f) != nil {
				return
			}
			idle.Reset(keepAliveEvery)
		case <-idle.C:
			if s.send(frame{websocket.MessageText, msgKeepAlive}) != nil {
				return
			}
			idle.Reset(keepAliveEvery)
		case <-tick:
			s.reportUsage()
		case <-s.ctx.Done():
			return
		case <-s.closing:
			for {
				select {
				case f := <-s.frames:
					if s.send(f) != nil {
						return
					}
				default:
					_ = s.send(frame{websocket.MessageText, msgCloseStream})
					return
				}
			}
		}
	}
}

// reportUsage publishes the audio sent since the last stats event. It never
// blocks the writer; an undelivered increment rolls into the next one.
func (s *session) reportUsage() {
	secs := s.usage.take(-1)
	if secs == 0 {
		return
	}
	select {
	case s.events <- s.statsEvent(secs):
	default:
		s.usage.giveBack(secs)
	}
}

func (s *session) statsEvent(secs float64) stt.Event {
	return stt.Event{Kind: stt.EventStats, Stats: stt.Stats{
		AudioSeconds: secs,
		CostUSD:      secs * s.costPerMin / 60,
	}}
}

// read publishes replies until the connection ends. An abnormal end before
// Close becomes a final EventError. Leaving cancels the session so the
// writer stops too.
func (s *session) read() {
	defer s.cancel()
	for {
		_, raw, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.isClosing() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.publish(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
			}
			return
		}
		ev, ok := decodeEvent(raw, s.costPerMin)
		if !ok {
			continue
		}
		if ev.Kind == stt.EventStats {
			// Metadata carries the session total; report what is left of it.
			secs := s.usage.take(ev.Stats.AudioSeconds)
			if secs == 0 {
				continue
			}
			ev = s.statsEvent(secs)
		}
		s.publish(ev)
	}
}

func (s *session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// publish blocks while the session is open. Once closing, events that do not
// fit the buffer are dropped so an absent consumer cannot stall Close.
func (s *session) publish(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
		select {
		case s.events <- ev:
		default:
		}
	}
}
