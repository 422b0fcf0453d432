package deepgram

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

// fakeListen accepts one connection. It counts audio bytes, answers Finalize
// with a from_finalize result quoting that count, and answers CloseStream with
// a Metadata reply before closing normally.
func fakeListen(t *testing.T, auth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		received := 0
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received += len(data)
				continue
			}
			switch msg := string(data); {
			case strings.Contains(msg, "Finalize"):
				reply := `{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"got ` +
					strconv.Itoa(received) + `"}]}}`
				_ = conn.Write(ctx, websocket.MessageText, []byte(reply))
			case strings.Contains(msg, "CloseStream"):
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata","duration":2.5}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_FinalizeOrderAndClose(t *testing.T) {
	t.Parallel()

	auth := make(chan string, 1)
	srv := fakeListen(t, auth)
	p, err := New("secret", WithEndpoint(wsURL(srv)), WithStatsInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if got := <-auth; got != "Token secret" {
		t.Errorf("Authorization = %q", got)
	}

	for range 4 {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := sess.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	select {
	case ev := <-sess.Events():
		if ev.Kind != stt.EventTranscript || !ev.Transcript.IsUtteranceFinal {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Transcript.Text != "got 1280" {
			t.Errorf("text = %q; Finalize overtook audio", ev.Transcript.Text)
		}
	case <-ctx.Done():
		t.Fatal("no reply to Finalize")
	}

	var rest []stt.Event
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range sess.Events() {
			rest = append(rest, ev)
		}
	}()
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-drained

	if len(rest) != 1 || rest[0].Kind != stt.EventStats || rest[0].Stats.AudioSeconds != 2.5 {
		t.Errorf("events after close = %+v, want one 2.5s stats event", rest)
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
	if err := sess.Finalize(); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Finalize after Close = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSession_PeriodicStatsAddUpToMetadata(t *testing.T) {
	t.Parallel()

	srv := fakeListen(t, make(chan string, 1))
	p, _ := New("key", WithEndpoint(wsURL(srv)), WithStatsInterval(20*time.Millisecond), WithCostPerMinute(0.6))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// One second of 16 kHz mono linear16.
	for range 100 {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	var secs, cost float64
	deadline := time.After(5 * time.Second)
	for secs < 1-1e-9 {
		select {
		case ev := <-sess.Events():
			if ev.Kind != stt.EventStats {
				t.Fatalf("event = %+v, want stats", ev)
			}
			secs += ev.Stats.AudioSeconds
			cost += ev.Stats.CostUSD
		case <-deadline:
			t.Fatalf("stats before close cover %vs, want 1s", secs)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sess.Events() {
			secs += ev.Stats.AudioSeconds
			cost += ev.Stats.CostUSD
		}
	}()
	_ = sess.Close()
	<-done

	// Metadata reports 2.5s in total; only the remainder is added at close.
	if math.Abs(secs-2.5) > 1e-6 {
		t.Errorf("total audio = %vs, want 2.5s", secs)
	}
	if math.Abs(cost-0.025) > 1e-9 {
		t.Errorf("total cost = %v, want 0.025", cost)
	}
}

func TestSession_StalledBackendDoesNotBlock(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		// Accept and never read.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		chunk := make([]byte, 64<<10)
		for range 5000 {
			if err := sess.SendAudio(chunk); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- nil
	}()
	select {
	case err := <-sendErr:
		if !errors.Is(err, errSendBufferFull) && !errors.Is(err, errConnectionLost) {
			t.Fatalf("SendAudio = %v, want a backpressure error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendAudio blocked on a backend that does not read")
	}

	closed := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(flushTimeout + 5*time.Second):
		t.Fatal("Close blocked on a backend that does not read")
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
}

func TestSession_AbnormalCloseBecomesErrorEvent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "upstream failure")
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	select {
	case ev, ok := <-sess.Events():
		if !ok || ev.Kind != stt.EventError || ev.Err == nil {
			t.Fatalf("event = %+v (open %v), want error", ev, ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event")
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("events channel should close after an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestStartStream_RejectedHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("bad", WithEndpoint(wsURL(srv)))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Fatalf("error = %v, want HTTP 401 dial failure", err)
	}
}
