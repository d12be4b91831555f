package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/coachlive/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
session:
  voice: Puck
`

const watcherUpdatedYAML = `
server:
  log_level: debug
session:
  voice: Kore
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// rewrite replaces the file and moves its mtime forward so that coarse
// filesystem timestamps still register a change.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	mt := time.Now().Add(bump)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w := startWatcher(t, cfgPath, nil)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Session.Voice != "Puck" {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("NewWatcher accepted an invalid file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu    sync.Mutex
		diffs []config.ConfigDiff
	)
	changed := make(chan struct{}, 1)
	w := startWatcher(t, cfgPath, func(old, new *config.Config) {
		mu.Lock()
		diffs = append(diffs, config.Diff(old, new))
		mu.Unlock()
		changed <- struct{}{}
	})

	rewrite(t, cfgPath, watcherUpdatedYAML, time.Second)
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}

	mu.Lock()
	d := diffs[0]
	mu.Unlock()
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || !d.SessionChanged {
		t.Errorf("diff = %+v", d)
	}
	if w.Current().Session.Voice != "Kore" {
		t.Errorf("Current().Session.Voice = %q, want Kore", w.Current().Session.Voice)
	}
}

func TestWatcher_KeepsConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan struct{}, 1)
	w := startWatcher(t, cfgPath, func(_, _ *config.Config) { called <- struct{}{} })

	rewrite(t, cfgPath, watcherInvalidYAML, time.Second)
	select {
	case <-called:
		t.Fatal("onChange called for an invalid edit")
	case <-time.After(150 * time.Millisecond):
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want the previous info", w.Current().Server.LogLevel)
	}

	// A later valid edit is still picked up.
	rewrite(t, cfgPath, watcherUpdatedYAML, 2*time.Second)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit after an invalid one not reported")
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan struct{}, 1)
	startWatcher(t, cfgPath, func(_, _ *config.Config) { called <- struct{}{} })

	rewrite(t, cfgPath, watcherValidYAML, time.Second)
	select {
	case <-called:
		t.Fatal("onChange called for identical content")
	case <-time.After(150 * time.Millisecond):
	}
}
