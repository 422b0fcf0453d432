package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// fakeClock advances by one frame duration per call to tick.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) tick()          { c.t = c.t.Add(audio.FrameDuration) }

// frameAt returns a 320-sample frame with constant normalised amplitude level.
func frameAt(level float64, seq uint64) audio.Frame {
	s := make([]int16, 320)
	for i := range s {
		s[i] = int16(level * 32768)
	}
	return audio.Frame{Samples: s, SampleRate: 16000, Seq: seq}
}

func newTestGate(t *testing.T, profile string, opts ...Option) (*Gate, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p, err := LookupProfile(profile)
	if err != nil {
		t.Fatalf("LookupProfile(%q): %v", profile, err)
	}
	g, err := New(p, append([]Option{WithClock(clk.now)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, clk
}

// feed pushes one frame and advances the clock.
func feed(g *Gate, clk *fakeClock, level float64, seq uint64) Decision {
	d := g.Process(frameAt(level, seq))
	clk.tick()
	return d
}

func TestGate_SingleClapNeverConfirms(t *testing.T) {
	t.Parallel()

	for _, speaking := range []bool{false, true} {
		g, clk := newTestGate(t, ProfileBalanced)
		g.SetAssistantSpeaking(speaking)

		var seq uint64
		for range 5 {
			feed(g, clk, 0.01, seq)
			seq++
		}
		d := feed(g, clk, 0.9, seq) // clap
		seq++
		if d.SpeechStarted || d.BargeIn {
			t.Fatalf("speaking=%t: clap confirmed speech", speaking)
		}
		for range 20 {
			d = feed(g, clk, 0.01, seq)
			seq++
			if d.SpeechStarted || g.State().ConfirmedSpeech {
				t.Fatalf("speaking=%t: speech confirmed after clap", speaking)
			}
		}
		if g.State().OnsetRunLength != 0 {
			t.Errorf("speaking=%t: onset run = %d after quiet frames", speaking, g.State().OnsetRunLength)
		}
	}
}

func TestGate_OnsetNeedsConsecutiveFrames(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced)
	min := g.Profile().MinOnsetFrames

	var seq uint64
	// min-1 loud frames, a dip, then min-1 loud frames again: never confirms.
	for round := 0; round < 2; round++ {
		for range min - 1 {
			if d := feed(g, clk, 0.3, seq); d.SpeechStarted {
				t.Fatal("confirmed before reaching MinOnsetFrames")
			}
			seq++
		}
		feed(g, clk, 0.0, seq)
		seq++
	}

	var started bool
	for i := range min {
		d := feed(g, clk, 0.3, seq)
		seq++
		if d.SpeechStarted {
			if i != min-1 {
				t.Fatalf("confirmed on frame %d, want %d", i, min-1)
			}
			started = true
		}
	}
	if !started {
		t.Fatal("sustained speech was not confirmed")
	}
	st := g.State()
	if !st.ConfirmedSpeech || st.OnsetRunLength != 0 {
		t.Errorf("state after confirmation = %s", st)
	}
}

func TestGate_Hangover(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced)
	hang := g.Profile().Hang

	var seq uint64
	for range g.Profile().MinOnsetFrames {
		feed(g, clk, 0.3, seq)
		seq++
	}
	if !g.State().ConfirmedSpeech {
		t.Fatal("speech not confirmed")
	}
	lastLoud := g.State().LastSpeechAt

	ended := 0
	for range 40 {
		elapsed := clk.now().Sub(lastLoud)
		d := feed(g, clk, 0.0, seq)
		seq++
		if d.SpeechEnded {
			ended++
			if elapsed <= hang {
				t.Fatalf("released after %v, inside hang window %v", elapsed, hang)
			}
			if elapsed > hang+audio.FrameDuration {
				t.Fatalf("released after %v, later than first frame past %v", elapsed, hang)
			}
			continue
		}
		if elapsed > hang && ended == 0 {
			t.Fatalf("still confirmed %v after last speech (hang %v)", elapsed, hang)
		}
	}
	if ended != 1 {
		t.Errorf("SpeechEnded fired %d times, want 1", ended)
	}
	if g.State().ConfirmedSpeech {
		t.Error("confirmed speech after hangover")
	}
}

func TestGate_HangoverRefreshedByReleaseLevel(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileFast)
	var seq uint64
	for range g.Profile().MinOnsetFrames {
		feed(g, clk, 0.3, seq)
		seq++
	}
	// A level between OFF and ON keeps speech alive indefinitely.
	level := (g.Profile().AbsoluteOff + g.Profile().AbsoluteOn) / 2
	for range 50 {
		if d := feed(g, clk, level, seq); d.SpeechEnded {
			t.Fatal("speech released while above release threshold")
		}
		seq++
	}
}

func TestGate_EchoDoesNotTriggerBargeIn(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced)
	g.SetAssistantSpeaking(true)

	var seq uint64
	for range 100 {
		d := feed(g, clk, 0.08, seq) // echo well above the absolute onset floor
		seq++
		if d.SpeechStarted || d.BargeIn {
			t.Fatalf("echo confirmed speech at frame %d (floor %.3f)", seq, g.State().NoiseFloor)
		}
		if len(d.Forward) != 0 {
			t.Fatal("frame forwarded while assistant speaking")
		}
	}
	if g.State().NoiseFloor == 0 {
		t.Error("noise floor not learned while speaking")
	}
}

func TestGate_BargeInFlushesPreRollInOrder(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced, WithPreRollFrames(12))
	g.SetAssistantSpeaking(true)

	var seq uint64
	for range 30 {
		feed(g, clk, 0.02, seq)
		seq++
	}
	if g.PreRolled() != 12 {
		t.Fatalf("PreRolled = %d, want 12 (capacity)", g.PreRolled())
	}

	var d Decision
	for range g.Profile().MinOnsetFrames {
		d = feed(g, clk, 0.5, seq)
		seq++
	}
	if !d.SpeechStarted || !d.BargeIn {
		t.Fatalf("decision = %+v, want barge-in", d)
	}
	if len(d.Forward) != 13 {
		t.Fatalf("forwarded %d frames, want 12 pre-rolled + current", len(d.Forward))
	}
	for i := 1; i < len(d.Forward); i++ {
		if d.Forward[i].Seq != d.Forward[i-1].Seq+1 {
			t.Fatalf("forwarded frames out of order: %d then %d", d.Forward[i-1].Seq, d.Forward[i].Seq)
		}
	}
	if last := d.Forward[len(d.Forward)-1].Seq; last != seq-1 {
		t.Errorf("last forwarded seq = %d, want current frame %d", last, seq-1)
	}
	if g.AssistantSpeaking() {
		t.Error("gate still believes assistant is speaking after barge-in")
	}
	if g.State().NoiseFloor != 0 {
		t.Error("noise floor not reset on barge-in")
	}

	// Subsequent frames go straight through.
	if d := feed(g, clk, 0.5, seq); len(d.Forward) != 1 {
		t.Errorf("post barge-in forwarded %d frames, want 1", len(d.Forward))
	}
}

func TestGate_ForwardsImmediatelyWhenQuiet(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileStrict)
	for seq := range uint64(10) {
		d := feed(g, clk, 0.001, seq)
		if len(d.Forward) != 1 || d.Forward[0].Seq != seq {
			t.Fatalf("frame %d not forwarded", seq)
		}
	}
}

func TestGate_PlaybackStopDropsPreRoll(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced)
	g.SetAssistantSpeaking(true)
	for seq := range uint64(5) {
		feed(g, clk, 0.02, seq)
	}
	g.SetAssistantSpeaking(false)
	if g.PreRolled() != 0 {
		t.Errorf("PreRolled = %d after playback stopped", g.PreRolled())
	}
}

func TestGate_PushToTalk(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfilePushToTalk)

	if d := feed(g, clk, 0.9, 0); len(d.Forward) != 0 || d.SpeechStarted {
		t.Fatal("push-to-talk forwarded loud frame without press")
	}

	g.SetAssistantSpeaking(true)
	d := g.Press()
	if !d.SpeechStarted || !d.BargeIn {
		t.Fatalf("Press decision = %+v, want start + barge-in", d)
	}
	if d := g.Press(); d.SpeechStarted {
		t.Error("second Press started speech again")
	}
	if d := feed(g, clk, 0.0, 1); len(d.Forward) != 1 {
		t.Error("silent frame not forwarded while pressed")
	}

	if d := g.Release(); !d.SpeechEnded {
		t.Error("Release did not end speech")
	}
	if d := feed(g, clk, 0.9, 2); len(d.Forward) != 0 {
		t.Error("frame forwarded after release")
	}
}

func TestGate_PressIgnoredForEnergyProfiles(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, ProfileFast)
	if d := g.Press(); d.SpeechStarted {
		t.Error("Press started speech on an energy profile")
	}
}

func TestGate_Reset(t *testing.T) {
	t.Parallel()

	g, clk := newTestGate(t, ProfileBalanced)
	g.SetAssistantSpeaking(true)
	for seq := range uint64(5) {
		feed(g, clk, 0.05, seq)
	}
	g.Reset()
	if st := g.State(); st != (State{}) {
		t.Errorf("state after Reset = %s", st)
	}
	if g.PreRolled() != 0 {
		t.Error("pre-roll not cleared by Reset")
	}
}

func TestLookupProfile(t *testing.T) {
	t.Parallel()

	for _, name := range ProfileNames() {
		p, err := LookupProfile(name)
		if err != nil {
			t.Errorf("LookupProfile(%q): %v", name, err)
			continue
		}
		if err := p.Validate(); err != nil {
			t.Errorf("built-in profile %q invalid: %v", name, err)
		}
		if !p.PushToTalk && (p.Hang < 200*time.Millisecond || p.Hang > 300*time.Millisecond) {
			t.Errorf("profile %q hang %v outside 200-300ms", name, p.Hang)
		}
	}

	if _, err := LookupProfile("shouty"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("unknown profile err = %v", err)
	}
}

func TestNew_RejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	if _, err := New(Profile{}); err == nil {
		t.Error("New accepted an empty profile")
	}
	bad := Profiles[ProfileBalanced]
	bad.MinOnsetFrames = 0
	if _, err := New(bad); err == nil {
		t.Error("New accepted MinOnsetFrames = 0")
	}
}
