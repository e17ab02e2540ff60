package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the new config together with what
// changed between them. It runs on the watcher goroutine (or the caller of
// [Watcher.Reload]) and may call [Watcher.Current].
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher keeps the config file at path loaded. It polls the modification
// time and compares a SHA-256 of the content, so touching a file without
// editing it is not a change. Invalid edits are logged and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the
// default of [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in a background goroutine.
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastHash, w.lastMtime = cfg, hash, mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, ignoring the modification time. It returns
// the load error, if any; the previous config stays current in that case.
func (w *Watcher) Reload() error {
	return w.check(true)
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.check(false); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// check swaps in the file's config when its content changed and it is
// valid. Unless force is set, an unchanged mtime skips reading.
func (w *Watcher) check(force bool) error {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.lastMtime)
		w.mu.Unlock()
		if same {
			return nil
		}
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"voice_changed", diff.VoiceChanged,
		"playback_changed", diff.PlaybackChanged,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
	return nil
}

// read loads, hashes and validates the file.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
