package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// revision is one successfully parsed version of the config file.
type revision struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps the config file at a path loaded. It polls the file's mtime
// and re-parses on change; the callback fires only when the content hash
// differs from the last valid revision.
//
// A revision that fails to parse or validate is logged and skipped. The
// previous valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises polling and Reload so the callback never runs
	// concurrently with itself.
	reloadMu sync.Mutex

	mu   sync.Mutex
	rev  revision
	seen time.Time // mtime of the last file state inspected, valid or not

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path and polls it in a background goroutine
// until [Watcher.Stop]. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	rev, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.rev = rev
	w.seen = rev.mtime

	go w.run()
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rev.cfg
}

// Reload re-reads the file immediately, regardless of its mtime. It reports
// whether the content changed. The change callback runs before Reload
// returns.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	rev, err := readRevision(w.path)
	if err != nil {
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	return w.install(rev), nil
}

// Stop ends polling and waits for an in-progress check to finish. No
// callback fires after Stop returns. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen)
	w.seen = info.ModTime()
	w.mu.Unlock()
	if unchanged {
		return
	}

	rev, err := readRevision(w.path)
	if err != nil {
		w.log.Warn("config: ignoring invalid revision", "path", w.path, "err", err)
		return
	}
	w.install(rev)
}

// install makes rev current if its content differs and fires the callback.
// Callers hold reloadMu.
func (w *Watcher) install(rev revision) bool {
	w.mu.Lock()
	w.seen = rev.mtime
	if rev.sum == w.rev.sum {
		w.mu.Unlock()
		return false
	}
	old := w.rev.cfg
	w.rev = rev
	w.mu.Unlock()

	w.log.Info("config: file changed", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, rev.cfg)
	}
	return true
}

func readRevision(path string) (revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return revision{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return revision{}, err
	}
	cfg, err := parse(data)
	if err != nil {
		return revision{}, err
	}
	return revision{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
