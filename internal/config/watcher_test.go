package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/config"
)

const (
	receptionYAML = `
server:
  log_level: info
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
agents:
  default: reception
  inline:
    - {id: reception, name: Ava, prompt: You answer calls.}
`
	receptionPoliteYAML = `
server:
  log_level: debug
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
agents:
  default: reception
  inline:
    - {id: reception, name: Ava, prompt: You answer calls politely.}
`
	brokenYAML = `
server:
  log_level: bananas
`
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// reloads collects watcher callbacks.
type reloads struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	olds  []*config.Config
	news  []*config.Config
	fired chan struct{}
}

func newReloads() *reloads { return &reloads{fired: make(chan struct{}, 8)} }

func (r *reloads) record(old, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.olds = append(r.olds, old)
	r.news = append(r.news, new)
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func (r *reloads) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
}

// watch starts a fast-polling watcher on a fresh file holding content.
func watch(t *testing.T, content string, r *reloads) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	writeFile(t, path, content)
	var fn config.ChangeFunc
	if r != nil {
		fn = r.record
	}
	w, err := config.NewWatcher(path, fn, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// bumpMtime moves the file's modification time forward so the next poll
// sees it regardless of filesystem timestamp resolution.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, receptionYAML, nil)

	cur := w.Current()
	if cur == nil || cur.Server.LogLevel != config.LogInfo || cur.Agents.Default != "reception" {
		t.Fatalf("Current = %+v", cur)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("want error for a missing file")
	}
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := watch(t, receptionYAML, r)

	writeFile(t, path, receptionPoliteYAML)
	bumpMtime(t, path)
	r.wait(t)

	r.mu.Lock()
	old, cur, d := r.olds[0], r.news[0], r.diffs[0]
	r.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if !d.LogLevelChanged || len(d.AgentChanges) != 1 || !d.AgentChanges[0].PromptChanged {
		t.Errorf("diff = %+v", d)
	}
	if w.Current() != cur {
		t.Error("Current does not return the reloaded config")
	}
}

func TestWatcher_BrokenEditKeepsConfig(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := watch(t, receptionYAML, r)

	writeFile(t, path, brokenYAML)
	bumpMtime(t, path)
	time.Sleep(150 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("callback fired %d times for a broken file", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log level = %q, want the previous %q", got, config.LogInfo)
	}

	// Fixing the file resumes reloads.
	writeFile(t, path, receptionPoliteYAML)
	later := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	r.wait(t)
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := watch(t, receptionYAML, r)

	bumpMtime(t, path)
	time.Sleep(150 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Errorf("callback fired %d times without a content change", n)
	}
}

func TestWatcher_TriggerForcesReload(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, _ := watch(t, receptionYAML, r)

	w.Trigger()
	r.wait(t)

	r.mu.Lock()
	d := r.diffs[0]
	r.mu.Unlock()
	if d.LogLevelChanged || len(d.AgentChanges) != 0 {
		t.Errorf("forced reload of the same file produced diff %+v", d)
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, receptionYAML, nil)
	w.Stop()
	w.Stop()
}
