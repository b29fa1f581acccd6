package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"ransomwatch/internal/events"
	"ransomwatch/internal/scan"
)

func waitFor(t *testing.T, w *Watcher, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("events channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMapOp(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		kind events.Kind
	}{
		{fsnotify.Create, events.KindCreate},
		{fsnotify.Write, events.KindModify},
		{fsnotify.Remove, events.KindDelete},
		{fsnotify.Rename, events.KindRenameOut},
		{fsnotify.Chmod, events.KindAttributeChange},
		{fsnotify.Create | fsnotify.Write, events.KindCreate},
	}

	for _, tt := range tests {
		kind, ok := mapOp(tt.op)
		if !ok {
			t.Errorf("mapOp(%v) not mapped", tt.op)
			continue
		}
		if kind != tt.kind {
			t.Errorf("mapOp(%v) = %s, expected %s", tt.op, kind, tt.kind)
		}
	}

	if _, ok := mapOp(0); ok {
		t.Error("empty op should not map")
	}
}

func TestWatcherStartRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := New(file, -1, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error for a file root")
	}
}

func TestWatcherDepthAndIgnore(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"a/b/c", ".git/objects", "x"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0700); err != nil {
			t.Fatal(err)
		}
	}

	w, err := New(root, 1, scan.NewIgnoreSet(scan.DefaultIgnore...))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	got := w.watchedDirs()
	want := []string{root, filepath.Join(root, "a"), filepath.Join(root, "x")}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("watched[%d] = %s, expected %s", i, got[i], want[i])
		}
	}
}

func TestWatcherEvents(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, -1, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	file := filepath.Join(root, "doc.txt")
	if err := os.WriteFile(file, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, w, func(ev events.Event) bool { return ev.Path == file && ev.Kind == events.KindCreate })
	if ev.Time.IsZero() {
		t.Error("event time not set")
	}

	// A new subdirectory is picked up and its contents reported.
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, func(ev events.Event) bool { return ev.Path == sub })

	nested := filepath.Join(sub, "nested.txt")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := w.depthOf(sub); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subdirectory never watched")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := os.WriteFile(nested, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, func(ev events.Event) bool { return ev.Path == nested })

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, func(ev events.Event) bool { return ev.Path == file && ev.Kind == events.KindDelete })
}

func TestWatcherCloseClosesEvents(t *testing.T) {
	w, err := New(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("expected closed events channel")
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestIgnoredPath(t *testing.T) {
	w := &Watcher{root: "/srv/data", ignore: scan.NewIgnoreSet("node_modules")}

	if !w.ignoredPath("/srv/data/app/node_modules/pkg/index.js") {
		t.Error("expected node_modules path to be ignored")
	}
	if w.ignoredPath("/srv/data/app/src/index.js") {
		t.Error("unexpected ignore")
	}
	if w.ignoredPath("/srv/data") {
		t.Error("root must not be ignored")
	}
}
