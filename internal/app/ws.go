package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultSourceRate is assumed when the client omits ?sample_rate=.
	DefaultSourceRate = 48000

	minSourceRate = 8000
	maxSourceRate = 192000

	defaultAckTimeout   = 3 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// readLimit bounds one client message.
	readLimit = 1 << 20
)

var (
	errClientGone    = errors.New("client disconnected")
	errSessionClosed = errors.New("session closed")
	errAckTimeout    = errors.New("app: client did not start playback in time")
	errNoSource      = errors.New("app: no source loaded")
)

// ─── handler ────────────────────────────────────────────────────────────────

// sessionHandler serves /v1/session: one WebSocket per voice session.
type sessionHandler struct {
	sm             *SessionManager
	log            *slog.Logger
	ackTimeout     time.Duration
	writeTimeout   time.Duration
	originPatterns []string
}

func (h *sessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if info, busy := h.sm.Active(); busy {
		h.log.Info("rejecting session: another session is active", "active_id", info.SessionID, "remote", r.RemoteAddr)
		http.Error(w, "a session is already active", http.StatusConflict)
		return
	}

	rate := DefaultSourceRate
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minSourceRate || n > maxSourceRate {
			http.Error(w, fmt.Sprintf("sample_rate must be an integer between %d and %d", minSourceRate, maxSourceRate), http.StatusBadRequest)
			return
		}
		rate = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Warn("websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	sink := newWSSink(conn, h.ackTimeout, h.writeTimeout, h.log)
	s, err := h.sm.Start(ctx, sink, rate, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, ErrSessionActive) {
			conn.Close(websocket.StatusTryAgainLater, "a session is already active")
			return
		}
		h.log.Error("failed to start session", "err", err)
		conn.Close(websocket.StatusInternalError, "failed to start session")
		return
	}
	defer func() {
		if err := h.sm.Stop(s.ID()); err != nil {
			h.log.Warn("session stop error", "session_id", s.ID(), "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(gctx, conn, s, sink) })
	g.Go(func() error { return h.forward(gctx, conn, s, sink) })
	if err := g.Wait(); !errors.Is(err, errClientGone) {
		h.log.Debug("session connection ended", "session_id", s.ID(), "reason", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop feeds client messages into the session. It always returns a
// non-nil error so the group shuts the connection down.
func (h *sessionHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, sink *wsSink) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", errClientGone, err)
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := audio.DecodeFloat32LE(data)
			if err != nil {
				h.log.Debug("dropping malformed audio message", "session_id", s.ID(), "bytes", len(data))
				continue
			}
			s.PushAudio(samples)

		case websocket.MessageText:
			var m clientMessage
			if err := json.Unmarshal(data, &m); err != nil {
				h.log.Debug("dropping malformed control message", "session_id", s.ID(), "err", err)
				continue
			}
			h.dispatch(ctx, s, sink, m)
		}
	}
}

func (h *sessionHandler) dispatch(ctx context.Context, s *session.Session, sink *wsSink, m clientMessage) {
	switch m.Type {
	case msgPress:
		s.Press()
	case msgRelease:
		s.Release()
	case msgStop:
		s.Stop()
	case msgResume:
		s.Resume()
	case msgKickoff:
		if err := s.Kickoff(m.Text); err != nil {
			_ = sink.writeJSON(ctx, errorMessage("session", err, true))
		}
	case msgPlaying, msgEnded, msgPlayError:
		sink.acknowledge(m)
	default:
		h.log.Debug("ignoring unknown control message", "session_id", s.ID(), "type", m.Type)
	}
}

// forward writes session events and errors to the client until the session
// ends or fails.
// The connection is closed here, before the group cancels the reader, so the
// client sees the real close status.
func (h *sessionHandler) forward(ctx context.Context, conn *websocket.Conn, s *session.Session, sink *wsSink) error {
	events, errs := s.Events(), s.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return errSessionClosed
			}
			if err := sink.writeJSON(ctx, eventMessage(ev)); err != nil {
				return fmt.Errorf("%w: %w", errClientGone, err)
			}

		case serr, ok := <-errs:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return errSessionClosed
			}
			if err := sink.writeJSON(ctx, errorMessage(string(serr.Scope), serr.Err, serr.Recoverable)); err != nil {
				return fmt.Errorf("%w: %w", errClientGone, err)
			}
			if !serr.Recoverable {
				h.log.Error("session failed", "session_id", s.ID(), "err", serr)
				conn.Close(websocket.StatusInternalError, string(serr.Scope)+" failed")
				return serr
			}
		}
	}
}

// ─── sink ───────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ playback.Sink = (*wsSink)(nil)

// wsSink plays items in the browser. Play sends the item and waits for the
// client's "playing" acknowledgement; "ended" or Pause close the done
// channel.
type wsSink struct {
	conn         *websocket.Conn
	ackTimeout   time.Duration
	writeTimeout time.Duration
	log          *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	source  playback.Item
	loaded  bool
	current *pendingPlay
}

func newWSSink(conn *websocket.Conn, ackTimeout, writeTimeout time.Duration, log *slog.Logger) *wsSink {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsSink{conn: conn, ackTimeout: ackTimeout, writeTimeout: writeTimeout, log: log}
}

type pendingPlay struct {
	epoch uint64
	seq   int
	ack   chan error
	done  chan struct{}
	once  sync.Once
}

func (p *pendingPlay) acknowledge(err error) {
	select {
	case p.ack <- err:
	default:
	}
}

func (p *pendingPlay) end() { p.once.Do(func() { close(p.done) }) }

// SetSource implements playback.Sink.
func (s *wsSink) SetSource(item playback.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = item
	s.loaded = true
	return nil
}

// Play implements playback.Sink.
func (s *wsSink) Play(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil, errNoSource
	}
	it := s.source
	s.source = playback.Item{}
	s.loaded = false
	p := &pendingPlay{
		epoch: it.Epoch,
		seq:   it.Seq,
		ack:   make(chan error, 1),
		done:  make(chan struct{}),
	}
	prev := s.current
	s.current = p
	s.mu.Unlock()
	if prev != nil {
		prev.end()
	}

	if err := s.writePlay(ctx, it); err != nil {
		s.drop(p)
		return nil, fmt.Errorf("app: send audio: %w", err)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-p.ack:
		if err != nil {
			s.drop(p)
			return nil, err
		}
		return p.done, nil
	case <-timer.C:
		s.drop(p)
		return nil, errAckTimeout
	case <-ctx.Done():
		s.drop(p)
		return nil, ctx.Err()
	}
}

// Pause implements playback.Sink.
func (s *wsSink) Pause() {
	s.mu.Lock()
	p := s.current
	s.current = nil
	s.loaded = false
	s.source = playback.Item{}
	s.mu.Unlock()

	m := serverMessage{Type: msgPause}
	if p != nil {
		p.end()
		m.Epoch, m.Seq = p.epoch, p.seq
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.writeJSON(ctx, m); err != nil {
		s.log.Debug("failed to send pause", "err", err)
	}
}

// acknowledge applies a client playback report to the item it names.
// Reports for any other item are stale and ignored.
func (s *wsSink) acknowledge(m clientMessage) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil || p.epoch != m.Epoch || p.seq != m.Seq {
		return
	}

	switch m.Type {
	case msgPlaying:
		p.acknowledge(nil)
	case msgEnded:
		p.acknowledge(nil)
		s.drop(p)
	case msgPlayError:
		reason := m.Error
		if reason == "" {
			reason = "playback refused"
		}
		p.acknowledge(fmt.Errorf("app: client: %s", reason))
	}
}

func (s *wsSink) drop(p *pendingPlay) {
	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()
	p.end()
}

// writePlay sends the play header and its audio back to back.
func (s *wsSink) writePlay(ctx context.Context, it playback.Item) error {
	hdr, err := json.Marshal(serverMessage{
		Type:     msgPlay,
		Epoch:    it.Epoch,
		Seq:      it.Seq,
		Text:     it.Text,
		MimeType: it.MimeType,
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, hdr); err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageBinary, it.Audio)
}

func (s *wsSink) writeJSON(ctx context.Context, m serverMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
