package turn_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/playback"
	playbackmock "github.com/MrWong99/parley/internal/playback/mock"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

const (
	sentence1 = "Hello there, this is the first sentence."
	sentence2 = " And here comes the second one!"
	tail      = " Tail"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// scriptedLLM hands each StreamCompletion call its own feed channel.
type scriptedLLM struct {
	mu    sync.Mutex
	feeds []chan llm.Chunk
	reqs  []llm.CompletionRequest
}

func newScriptedLLM(n int) *scriptedLLM {
	s := &scriptedLLM{}
	for range n {
		s.feeds = append(s.feeds, make(chan llm.Chunk, 16))
	}
	return s
}

func (s *scriptedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	feed := s.feeds[len(s.reqs)]
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-feed:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fixture struct {
	sink  *playbackmock.Sink
	queue *playback.Queue
	tts   *ttsmock.Provider
}

func newFixture(autoFinish bool) *fixture {
	sink := &playbackmock.Sink{AutoFinish: autoFinish}
	return &fixture{
		sink:  sink,
		queue: playback.New(sink),
		tts:   &ttsmock.Provider{},
	}
}

func testConfig() turn.Config {
	return turn.Config{
		SystemPrompt: "You are terse.",
		Voice:        tts.Voice{ID: "narrator"},
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  2 * time.Second,
	}
}

func streamOf(texts ...string) []llm.Chunk {
	var out []llm.Chunk
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

func TestRun_CompletesInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	f.tts.Delays = map[string]time.Duration{sentence1: 40 * time.Millisecond}
	llmP := &llmmock.Provider{StreamChunks: streamOf(sentence1, sentence2, tail)}
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	res, err := o.Run(context.Background(), turn.Request{Text: "Say something."})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Interrupted || res.TimedOut {
		t.Errorf("result = %+v", res)
	}
	if want := strings.TrimSpace(sentence1 + sentence2 + tail); res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
	if res.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", res.Chunks)
	}
	if got, want := f.sink.Played(), []int{0, 1, 2}; !slices.Equal(got, want) {
		t.Errorf("played %v, want %v", got, want)
	}

	var texts []string
	for _, req := range f.tts.Calls() {
		texts = append(texts, req.Text)
	}
	slices.Sort(texts)
	if want := []string{"And here comes the second one!", sentence1, "Tail"}; !slices.Equal(texts, want) {
		t.Errorf("synthesized %q, want %q", texts, want)
	}

	msgs := llmP.Calls()[0].Req.Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Content != "Say something." {
		t.Errorf("messages = %+v", msgs)
	}
	entries := o.History().Entries()
	if len(entries) != 2 || entries[1].Role != llm.RoleAssistant || entries[1].Interrupted {
		t.Errorf("history = %+v", entries)
	}
	if entries[1].Metrics == nil || entries[1].Metrics.TimeToFirstToken <= 0 {
		t.Error("assistant entry missing time-to-first-token")
	}
	if res.Metrics.TimeToFirstAudio <= 0 {
		t.Error("TimeToFirstAudio not recorded")
	}
	if o.Active() {
		t.Error("turn still active after Run returned")
	}
}

func TestRun_WhitespaceOnlyTailSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	llmP := &llmmock.Provider{StreamChunks: streamOf(sentence1, "  \n")}
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	res, err := o.Run(context.Background(), turn.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Chunks != 1 || len(f.tts.Calls()) != 1 {
		t.Errorf("chunks = %d, tts calls = %d; want 1, 1", res.Chunks, len(f.tts.Calls()))
	}
}

func TestRun_MessagesWindowAndClamp(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	cfg := testConfig()
	cfg.MaxHistory = 2
	cfg.MaxInputChars = 5
	cfg.Temperature = 0.3
	cfg.Model = "small"

	h := turn.NewHistory(0)
	h.Add(
		turn.Entry{Role: llm.RoleUser, Text: "one"},
		turn.Entry{Role: llm.RoleAssistant, Text: "two"},
		turn.Entry{Role: llm.RoleUser, Text: "three"},
		turn.Entry{Role: llm.RoleAssistant, Text: "four"},
	)
	llmP := &llmmock.Provider{StreamChunks: streamOf("Ok.")}
	o := turn.New(llmP, f.tts, f.queue, cfg, turn.WithHistory(h))

	if _, err := o.Run(context.Background(), turn.Request{Text: "héllo wörld"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := llmP.Calls()[0].Req
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	if want := []string{"You are terse.", "three", "four", "héllo"}; !slices.Equal(contents, want) {
		t.Errorf("messages = %q, want %q", contents, want)
	}
	if req.Temperature != 0.3 || req.Model != "small" {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_StreamOpenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	boom := errors.New("401 unauthorized")
	o := turn.New(&llmmock.Provider{StreamErr: boom}, f.tts, f.queue, testConfig())

	_, err := o.Run(context.Background(), turn.Request{Text: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if f.queue.Epoch() != 0 {
		t.Errorf("queue epoch = %d after failed turn, want closed", f.queue.Epoch())
	}
	if o.History().Len() != 0 {
		t.Error("failed turn recorded in history")
	}
}

func TestRun_StreamErrorAbortsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: sentence1},
		{Text: "rate limited", FinishReason: llm.FinishReasonError},
	}}
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	_, err := o.Run(context.Background(), turn.Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want stream error", err)
	}
	if f.queue.Epoch() != 0 || !f.queue.Idle() {
		t.Error("queue not reset after stream error")
	}
}

func TestCancel_InterruptsAndKeepsSpokenPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	llmP := newScriptedLLM(1)
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	type outcome struct {
		res *turn.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Run(context.Background(), turn.Request{Text: "Tell me a story."})
		done <- outcome{res, err}
	}()

	llmP.feeds[0] <- llm.Chunk{Text: sentence1}
	llmP.feeds[0] <- llm.Chunk{Text: sentence2}
	waitFor(t, "first chunk playing", func() bool { return f.queue.Playing() })

	if !o.Cancel() {
		t.Fatal("Cancel reported no active turn")
	}
	out := <-done

	if !errors.Is(out.err, turn.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", out.err)
	}
	if !out.res.Interrupted || out.res.Text != sentence1 {
		t.Errorf("result = %+v, want interrupted with first sentence", out.res)
	}
	if f.sink.Pauses() == 0 {
		t.Error("sink not paused")
	}
	if f.queue.Epoch() != 0 {
		t.Error("queue epoch left open")
	}

	entries := o.History().Entries()
	if len(entries) != 2 {
		t.Fatalf("history = %+v", entries)
	}
	if a := entries[1]; a.Role != llm.RoleAssistant || !a.Interrupted || a.Text != sentence1 {
		t.Errorf("assistant entry = %+v", a)
	}
	if o.Cancel() {
		t.Error("second Cancel reported an active turn")
	}
}

func TestRun_NewTurnCancelsPrevious(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	llmP := newScriptedLLM(2)
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), turn.Request{Text: "first"})
		firstErr <- err
	}()
	waitFor(t, "first stream opened", func() bool { return llmP.calls() == 1 })

	llmP.feeds[1] <- llm.Chunk{Text: "Second turn reply is here."}
	close(llmP.feeds[1])
	res, err := o.Run(context.Background(), turn.Request{Text: "second"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if err := <-firstErr; !errors.Is(err, turn.ErrInterrupted) {
		t.Errorf("first Run err = %v, want ErrInterrupted", err)
	}
	if res.Epoch != 2 || o.Epoch() != 2 {
		t.Errorf("epoch = %d, want 2", res.Epoch)
	}
	if got := f.sink.Played(); !slices.Equal(got, []int{0}) {
		t.Errorf("played %v, want only the second turn's chunk", got)
	}
}

func TestRun_ChunkFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	f.tts.FailTexts = map[string]error{"And here comes the second one!": errors.New("bad voice")}
	errCh := make(chan error, 1)
	llmP := &llmmock.Provider{StreamChunks: streamOf(sentence1, sentence2, tail)}
	o := turn.New(llmP, f.tts, f.queue, testConfig(),
		turn.WithChunkErrorHandler(func(err error) { errCh <- err }))

	res, err := o.Run(context.Background(), turn.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := f.sink.Played(), []int{0, 2}; !slices.Equal(got, want) {
		t.Errorf("played %v, want %v", got, want)
	}
	if res.Metrics.Synthesis.Failures != 1 {
		t.Errorf("Failures = %d, want 1", res.Metrics.Synthesis.Failures)
	}
	select {
	case <-errCh:
	default:
		t.Error("chunk error not reported")
	}
}

func TestRun_WaitTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(false) // never finishes playing
	cfg := testConfig()
	cfg.WaitTimeout = 50 * time.Millisecond
	llmP := &llmmock.Provider{StreamChunks: streamOf(sentence1)}
	o := turn.New(llmP, f.tts, f.queue, cfg)

	res, err := o.Run(context.Background(), turn.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if f.queue.Playing() || f.queue.Epoch() != 0 {
		t.Error("queue not reset after timeout")
	}
}

func TestRun_KickoffNotRecordedAsUser(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	llmP := &llmmock.Provider{StreamChunks: streamOf("Welcome back, what shall we do?")}
	o := turn.New(llmP, f.tts, f.queue, testConfig())

	if _, err := o.Run(context.Background(), turn.Request{Text: "Greet the user.", Kickoff: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := o.History().Entries()
	if len(entries) != 1 || entries[0].Role != llm.RoleAssistant {
		t.Errorf("history = %+v, want only the assistant greeting", entries)
	}
}

func TestRun_NotConfigured(t *testing.T) {
	t.Parallel()

	o := turn.New(nil, nil, nil, testConfig())
	if _, err := o.Run(context.Background(), turn.Request{Text: "hi"}); !errors.Is(err, turn.ErrNoConfig) {
		t.Errorf("err = %v, want ErrNoConfig", err)
	}
}
