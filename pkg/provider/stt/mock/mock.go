// Package mock provides an in-memory [stt.Provider] whose sessions are driven
// by the test:
//
//	p := &mock.Provider{}
//	h, _ := p.StartStream(ctx, cfg)
//	p.LastSession().EmitTranscript("hello", true, true)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider hands out a new [Session] per StartStream call.
type Provider struct {
	// StartStreamErr, if set, fails every StartStream call.
	StartStreamErr error

	mu       sync.Mutex
	configs  []stt.StreamConfig
	sessions []*Session
}

func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := &Session{events: make(chan stt.Event, 64)}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Configs returns the StreamConfig of every StartStream call, failed ones
// included.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// LastSession returns the most recently started session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.sessions); n > 0 {
		return p.sessions[n-1]
	}
	return nil
}

// Session counts what it is sent and delivers whatever the test emits.
type Session struct {
	mu        sync.Mutex
	events    chan stt.Event
	closed    bool
	chunks    int
	finalizes int
}

func (s *Session) SendAudio([]byte) error {
	return s.record(func() { s.chunks++ })
}

func (s *Session) Finalize() error {
	return s.record(func() { s.finalizes++ })
}

func (s *Session) record(count func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	count()
	return nil
}

func (s *Session) Events() <-chan stt.Event { return s.events }

// Close closes the event stream. Repeated calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Emit delivers ev unless the session is closed.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// EmitTranscript emits a transcript event.
func (s *Session) EmitTranscript(text string, isFinal, utteranceFinal bool) {
	s.Emit(stt.Event{Kind: stt.EventTranscript, Transcript: stt.Transcript{
		Text:             text,
		IsFinal:          isFinal,
		IsUtteranceFinal: utteranceFinal,
	}})
}

// Fail emits an error event and closes the stream, like a dropped connection.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- stt.Event{Kind: stt.EventError, Err: err}
		s.closeLocked()
	}
}

func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *Session) Finalizes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizes
}

// Closed reports whether Close or Fail has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
