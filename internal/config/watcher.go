package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// ChangeFunc receives every successfully reloaded config together with the
// diff against the previous one.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher reloads a config file when it changes on disk or when [Watcher.Trigger]
// is called. A file that fails to parse or validate is logged and skipped;
// [Watcher.Current] keeps returning the last good config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	current atomic.Pointer[Config]
	seen    stamp // owned by the run goroutine

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// stamp identifies one version of the file.
type stamp struct {
	mod time.Time
	sum [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file's modification time is checked.
// Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts watching it. onChange may be nil. The
// initial load must succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = st

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// Current returns the last config that loaded cleanly.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Trigger asks for a reload even if the file looks unchanged, for example on
// SIGHUP after an agents file or an environment variable was edited.
func (w *Watcher) Trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop ends watching and waits for a running callback to return. It may be
// called more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.reload(false)
		case <-w.kick:
			w.reload(true)
		}
	}
}

// reload re-reads the file when its mtime moved and its content hash
// changed, or unconditionally when forced.
func (w *Watcher) reload(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
			return
		}
		if info.ModTime().Equal(w.seen.mod) {
			return
		}
		// A broken edit is reported once, not on every tick.
		w.seen.mod = info.ModTime()
	}

	cfg, st, err := w.read()
	if err != nil {
		w.log.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
		return
	}
	unchanged := st.sum == w.seen.sum
	w.seen = st
	if unchanged && !force {
		return
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"forced", force,
		"log_level_changed", d.LogLevelChanged,
		"agent_changes", len(d.AgentChanges),
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config: changes need a restart to apply", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mod: info.ModTime(), sum: sha256.Sum256(raw)}, nil
}
