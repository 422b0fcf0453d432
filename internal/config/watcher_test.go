package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const watcherValidYAML = minimalYAML + `
conversation:
  system_prompt: "first"
`

const watcherUpdatedYAML = minimalYAML + `
server:
  log_level: debug
conversation:
  system_prompt: "second"
`

const watcherInvalidYAML = minimalYAML + `
server:
  log_level: bananas
`

// touch bumps the mtime so the watcher re-reads the file even on
// filesystems with coarse timestamps.
func touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	ts := time.Now().Add(offset)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Conversation.SystemPrompt; got != "first" {
		t.Errorf("system_prompt = %q, want first", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var (
		mu    sync.Mutex
		diffs []config.ConfigDiff
	)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		diffs = append(diffs, config.Diff(old, new))
		mu.Unlock()
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	touch(t, path, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(diffs)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for change callback")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	d := diffs[0]
	mu.Unlock()
	if !d.ConversationChanged || !d.LogLevelChanged {
		t.Errorf("diff = %+v", d)
	}
	if got := w.Current().Conversation.SystemPrompt; got != "second" {
		t.Errorf("Current().system_prompt = %q, want second", got)
	}
}

func TestWatcher_KeepsLastValidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		called <- struct{}{}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	touch(t, path, time.Second)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-called:
		t.Error("callback fired for invalid config")
	default:
	}
	if got := w.Current().Conversation.SystemPrompt; got != "first" {
		t.Errorf("system_prompt = %q, want first", got)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		called <- struct{}{}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	touch(t, path, time.Second)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-called:
		t.Error("callback fired for unchanged content")
	default:
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var calls int
	w, err := config.NewWatcher(path, func(_, _ *config.Config) { calls++ }, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if changed, err := w.Reload(); err != nil || changed {
		t.Fatalf("Reload unchanged = %v, %v; want false, nil", changed, err)
	}

	writeFile(t, path, watcherUpdatedYAML)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v; want true, nil", changed, err)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
	if got := w.Current().Conversation.SystemPrompt; got != "second" {
		t.Errorf("system_prompt = %q, want second", got)
	}

	writeFile(t, path, watcherInvalidYAML)
	if _, err := w.Reload(); err == nil {
		t.Error("Reload of invalid file should fail")
	}
	if got := w.Current().Conversation.SystemPrompt; got != "second" {
		t.Errorf("system_prompt after invalid reload = %q, want second", got)
	}
}

func TestWatcher_NoCallbackAfterStop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var (
		mu      sync.Mutex
		stopped bool
		late    bool
	)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		late = stopped
		mu.Unlock()
	}, config.WithInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	writeFile(t, path, watcherUpdatedYAML)
	touch(t, path, time.Second)
	w.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if late {
		t.Error("callback ran after Stop returned")
	}
}
