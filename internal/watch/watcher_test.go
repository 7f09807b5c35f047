package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/logger"
)

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func startWatcher(t *testing.T, dir string, triggered chan struct{}) (context.CancelFunc, chan error) {
	t.Helper()

	w, err := New(Config{Dir: dir, Settle: 50 * time.Millisecond}, func(context.Context) {
		triggered <- struct{}{}
	}, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

func TestWatcherRequiresDir(t *testing.T) {
	if _, err := New(Config{}, func(context.Context) {}, newTestLogger()); err == nil {
		t.Error("no error for empty watch dir")
	}
	if _, err := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, func(context.Context) {}, newTestLogger()); err == nil {
		t.Error("no error for missing watch dir")
	}
}

func TestWatcherTriggersAfterSettle(t *testing.T) {
	dir := t.TempDir()
	triggered := make(chan struct{}, 8)
	cancel, done := startWatcher(t, dir, triggered)

	if err := os.WriteFile(filepath.Join(dir, "batch.jsonl"), []byte(`{"note":"x"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger after inbox activity")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestWatcherIgnoresNonDataFiles(t *testing.T) {
	dir := t.TempDir()
	triggered := make(chan struct{}, 8)
	cancel, done := startWatcher(t, dir, triggered)
	defer func() { cancel(); <-done }()

	for _, name := range []string{"upload.jsonl.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	select {
	case <-triggered:
		t.Fatal("triggered on files the engine does not read")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherPicksUpNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	triggered := make(chan struct{}, 8)
	cancel, done := startWatcher(t, dir, triggered)
	defer func() { cancel(); <-done }()

	sub := filepath.Join(dir, "ward-7")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// The directory create itself counts as activity
	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger after directory create")
	}

	// The new directory must be watched from here on
	if err := os.WriteFile(filepath.Join(sub, "beds.csv"), []byte("name\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger for file inside new subdirectory")
	}
}
