package logstream_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/logstream"
)

func TestFollowPublishesAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(path, []byte("first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := logstream.NewBroker()
	ch, unsub := b.Subscribe(3)
	defer unsub()

	var active atomic.Bool
	active.Store(true)
	done := make(chan error, 1)
	go func() {
		done <- logstream.Follow(context.Background(), b, 3, path, active.Load, 10*time.Millisecond)
	}()

	if got := <-ch; got != "first" {
		t.Fatalf("line = %q, want first", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("second\nthird")
	f.Close()
	if got := <-ch; got != "second" {
		t.Fatalf("line = %q, want second", got)
	}

	active.Store(false)
	if got := <-ch; got != "third" {
		t.Fatalf("trailing line = %q, want third", got)
	}
	if _, ok := <-ch; ok {
		t.Error("channel open after the run stopped")
	}
	if err := <-done; err != nil {
		t.Errorf("Follow: %v", err)
	}
}

func TestFollowWaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	b := logstream.NewBroker()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logstream.Follow(ctx, b, 1, path, func() bool { return true }, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("late\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got != "late" {
			t.Errorf("line = %q, want late", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no line published")
	}
}

func TestFollowSingleFollower(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	b := logstream.NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		logstream.Follow(ctx, b, 1, path, func() bool { return true }, 10*time.Millisecond)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// A second follower returns at once instead of duplicating lines.
	if err := logstream.Follow(context.Background(), b, 1, path, func() bool { return true }, time.Hour); err != nil {
		t.Errorf("second Follow: %v", err)
	}
	cancel()
}

func TestReopenAfterClose(t *testing.T) {
	b := logstream.NewBroker()
	b.Close(5)
	b.Reopen(5)

	ch, unsub := b.Subscribe(5)
	defer unsub()
	b.Publish(5, "again")
	if got := <-ch; got != "again" {
		t.Errorf("line = %q, want again", got)
	}
}

func TestLines(t *testing.T) {
	dir := t.TempDir()
	lines, err := logstream.Lines(filepath.Join(dir, "missing.log"))
	if err != nil || lines != nil {
		t.Fatalf("missing file: %v, %v", lines, err)
	}

	path := filepath.Join(dir, "run.log")
	os.WriteFile(path, []byte("a\nb\n"), 0o644)
	lines, err = logstream.Lines(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Errorf("lines = %v", lines)
	}
}
