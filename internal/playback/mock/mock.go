// Package mock provides a test double for the playback.Sink interface.
//
// By default every Play call starts immediately and stays "playing" until the
// test calls [Sink.Finish] or the queue calls Pause. Set AutoFinish to make
// each item end as soon as it starts.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/playback"
)

// Compile-time interface assertion.
var _ playback.Sink = (*Sink)(nil)

// Sink is a mock implementation of playback.Sink.
type Sink struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AutoFinish closes the done channel as soon as Play returns.
	AutoFinish bool

	// PlayErr, if non-nil, is returned by Play. Clear it to let a retried
	// item through.
	PlayErr error

	// SetSourceErr, if non-nil, is returned by SetSource.
	SetSourceErr error

	// --- Call records ---

	// Sources records every item passed to SetSource in order.
	Sources []playback.Item

	// PlayCalls counts Play invocations.
	PlayCalls int

	// PauseCalls counts Pause invocations.
	PauseCalls int

	current chan struct{}
	started chan playback.Item
}

// SetSource records item.
func (s *Sink) SetSource(item playback.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sources = append(s.Sources, item)
	return s.SetSourceErr
}

// Play records the call and returns a channel that closes on Finish, Pause or
// immediately when AutoFinish is set.
func (s *Sink) Play(_ context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayCalls++
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	done := make(chan struct{})
	if s.AutoFinish {
		close(done)
	} else {
		s.current = done
	}
	if s.started != nil && len(s.Sources) > 0 {
		select {
		case s.started <- s.Sources[len(s.Sources)-1]:
		default:
		}
	}
	return done, nil
}

// Pause records the call and ends the current item.
func (s *Sink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCalls++
	s.endLocked()
}

// Finish ends the current item as if it had played to the end.
func (s *Sink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

// Started returns a channel that receives each item as it starts playing.
// The channel is buffered; items are dropped if the test does not keep up.
func (s *Sink) Started() <-chan playback.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan playback.Item, 64)
	}
	return s.started
}

// Played returns the sequence numbers passed to SetSource in order.
func (s *Sink) Played() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.Sources))
	for i, it := range s.Sources {
		out[i] = it.Seq
	}
	return out
}

// Pauses returns the number of Pause calls.
func (s *Sink) Pauses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PauseCalls
}

// SetAutoFinish replaces AutoFinish under the lock.
func (s *Sink) SetAutoFinish(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AutoFinish = v
}

// SetPlayErr replaces PlayErr under the lock.
func (s *Sink) SetPlayErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayErr = err
}

func (s *Sink) endLocked() {
	if s.current != nil {
		close(s.current)
		s.current = nil
	}
}
