// Package mock provides a test double for the tts.Provider interface.
//
// By default Synthesize returns the request text as the audio payload, so
// tests can check ordering by reading the audio back. Delays, failures and a
// blocking gate are configurable per test.
//
// Example:
//
//	p := &mock.Provider{
//	    Delays:    map[string]time.Duration{"First.": 50 * time.Millisecond},
//	    FailTexts: map[string]error{"Broken.": errors.New("boom")},
//	}
//	res, _ := p.Synthesize(ctx, tts.Request{Text: "Second."})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Provider is a mock implementation of tts.Provider and tts.VoiceLister.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// FailTexts maps request text to an error returned for that text only.
	FailTexts map[string]error

	// Delays maps request text to an artificial server delay.
	Delays map[string]time.Duration

	// Gate, if non-nil, blocks every call until a value is received from it,
	// it is closed, or the request context ends.
	Gate chan struct{}

	// MimeType is reported on every result. Defaults to "audio/mpeg".
	MimeType string

	// CostPerChar is multiplied by the rune count to fill Result.CostUSD.
	CostPerChar float64

	// Warnings are attached to every result.
	Warnings []string

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every request passed to Synthesize in order of
	// arrival.
	SynthesizeCalls []tts.Request

	// ListVoicesCalls counts ListVoices invocations.
	ListVoicesCalls int

	inFlight    int
	maxInFlight int
}

// Synthesize records the call, waits for any configured delay or gate and
// returns the request text as audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	p.inFlight++
	p.maxInFlight = max(p.maxInFlight, p.inFlight)
	err := p.SynthesizeErr
	if e, ok := p.FailTexts[req.Text]; ok {
		err = e
	}
	delay := p.Delays[req.Text]
	gate := p.Gate
	mime := p.MimeType
	cost := p.CostPerChar
	warnings := append([]string(nil), p.Warnings...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	start := time.Now()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if mime == "" {
		mime = "audio/mpeg"
	}
	chars := len([]rune(req.Text))
	return &tts.Result{
		Audio:      []byte(req.Text),
		MimeType:   mime,
		ServerTime: time.Since(start),
		Chars:      chars,
		CostUSD:    float64(chars) * cost,
		Warnings:   warnings,
	}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize requests.
func (p *Provider) Calls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.SynthesizeCalls...)
}

// InFlight returns the number of Synthesize calls currently running.
func (p *Provider) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// MaxInFlight returns the highest number of concurrent Synthesize calls seen.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
	p.maxInFlight = p.inFlight
}
