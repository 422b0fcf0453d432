package utterance_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/utterance"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func TestAccumulator_JoinsFinalsOnly(t *testing.T) {
	t.Parallel()

	a := utterance.New()
	a.Begin(time.Now())

	fragments := []utterance.Fragment{
		{Text: "he"},
		{Text: "hello", IsFinal: true},
		{Text: "hello wor"},
		{Text: "hello world", IsFinal: true, IsUtteranceFinal: true},
	}
	var (
		got utterance.Utterance
		ok  bool
	)
	for i, f := range fragments {
		got, ok = a.Add(f)
		if i < len(fragments)-1 && ok {
			t.Fatalf("fragment %d completed the utterance early", i)
		}
	}
	if !ok {
		t.Fatal("utterance-final fragment did not complete the utterance")
	}
	if got.Text != "hello hello world" {
		t.Errorf("Text = %q, want %q", got.Text, "hello hello world")
	}
	if a.Active() {
		t.Error("utterance still open after completion")
	}
}

func TestAccumulator_Timing(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	clk := &stepClock{t: start.Add(100 * time.Millisecond), step: 100 * time.Millisecond}
	a := utterance.New(utterance.WithClock(clk.now))
	a.Begin(start)

	// Fragments arrive 100ms apart; the first is empty.
	a.Add(utterance.Fragment{Text: ""})
	a.Add(utterance.Fragment{Text: "hi"})
	a.Add(utterance.Fragment{Text: "hi there", IsFinal: true})
	u, ok := a.Add(utterance.Fragment{IsUtteranceFinal: true})
	if !ok {
		t.Fatal("no utterance")
	}
	if got := u.FirstResult(); got != 200*time.Millisecond {
		t.Errorf("FirstResult = %v, want 200ms", got)
	}
	if got := u.Total(); got != 400*time.Millisecond {
		t.Errorf("Total = %v, want 400ms", got)
	}
}

func TestAccumulator_EmptyUtteranceDropped(t *testing.T) {
	t.Parallel()

	a := utterance.New()
	a.Begin(time.Now())
	a.Add(utterance.Fragment{Text: "uh"}) // interim only
	if _, ok := a.Add(utterance.Fragment{Text: "   ", IsFinal: true, IsUtteranceFinal: true}); ok {
		t.Fatal("empty utterance was returned")
	}
	if a.Active() {
		t.Error("empty utterance left open")
	}
	if !a.Begin(time.Now()) {
		t.Error("Begin failed after dropped utterance")
	}
}

func TestAccumulator_BeginWhileOpen(t *testing.T) {
	t.Parallel()

	first := time.Unix(10, 0)
	a := utterance.New()
	if !a.Begin(first) {
		t.Fatal("first Begin returned false")
	}
	if a.Begin(first.Add(time.Second)) {
		t.Fatal("second Begin opened another utterance")
	}
	u, ok := a.Add(utterance.Fragment{Text: "ok", IsFinal: true, IsUtteranceFinal: true})
	if !ok {
		t.Fatal("no utterance")
	}
	if !u.StartedAt.Equal(first) {
		t.Errorf("StartedAt = %v, want %v", u.StartedAt, first)
	}
}

func TestAccumulator_ImplicitOpen(t *testing.T) {
	t.Parallel()

	at := time.Unix(20, 0)
	a := utterance.New(utterance.WithClock(func() time.Time { return at }))
	u, ok := a.Add(utterance.Fragment{Text: "late", IsFinal: true, IsUtteranceFinal: true})
	if !ok || u.Text != "late" {
		t.Fatalf("Add = %+v, %t", u, ok)
	}
	if !u.StartedAt.Equal(at) {
		t.Errorf("StartedAt = %v, want arrival time %v", u.StartedAt, at)
	}
}

func TestAccumulator_Abandon(t *testing.T) {
	t.Parallel()

	a := utterance.New()
	a.Begin(time.Now())
	a.Add(utterance.Fragment{Text: "stale", IsFinal: true})
	a.Abandon()
	if a.Active() {
		t.Fatal("Active after Abandon")
	}
	u, ok := a.Add(utterance.Fragment{Text: "fresh", IsFinal: true, IsUtteranceFinal: true})
	if !ok || u.Text != "fresh" {
		t.Errorf("after Abandon got %q, want %q", u.Text, "fresh")
	}
}
