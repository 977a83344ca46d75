package backend

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/kiln/internal/event"
)

func newPoll(t *testing.T) Backend {
	t.Helper()
	b, err := NewPoll(Options{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPoll() failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestPoll_DetectsChanges verifies created, modified and deleted detection.
func TestPoll_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.md")
	if err := os.WriteFile(existing, []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	b := newPoll(t)
	if _, err := b.Watch(dir, WatchConfig{Recursive: true}); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	created := filepath.Join(dir, "sub", "new.md")
	if err := os.MkdirAll(filepath.Dir(created), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(created, []byte("new"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, b, created, event.KindCreated, 2*time.Second)

	if err := os.WriteFile(existing, []byte("longer content"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	waitFor(t, b, existing, event.KindModified, 2*time.Second)

	if err := os.Remove(existing); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	waitFor(t, b, existing, event.KindDeleted, 2*time.Second)
}

// TestPoll_NonRecursive verifies subdirectories are ignored without
// Recursive.
func TestPoll_NonRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	snap := scan(dir, false)
	if err := os.WriteFile(filepath.Join(sub, "deep.md"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	top := filepath.Join(dir, "top.md")
	if err := os.WriteFile(top, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	evs := diff(snap, scan(dir, false))
	if len(evs) != 1 || evs[0].Path != top {
		t.Fatalf("Expected only %s, got %v", top, evs)
	}
}

func TestDiff(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	prev := map[string]fileState{
		"/v/a.md": {size: 1, modTime: t0},
		"/v/b.md": {size: 2, modTime: t0},
		"/v/c.md": {size: 3, modTime: t0},
	}
	next := map[string]fileState{
		"/v/a.md": {size: 1, modTime: t0},
		"/v/b.md": {size: 2, modTime: t0.Add(time.Second)},
		"/v/d.md": {size: 4, modTime: t0},
	}

	got := diff(prev, next)
	want := []struct {
		path string
		kind event.Kind
	}{
		{"/v/b.md", event.KindModified},
		{"/v/c.md", event.KindDeleted},
		{"/v/d.md", event.KindCreated},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Path != w.path || got[i].Kind != w.kind {
			t.Errorf("event %d: expected %s %s, got %s %s", i, w.kind, w.path, got[i].Kind, got[i].Path)
		}
	}
}

func TestScan_SkipsSystemDirs(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	if err := os.Mkdir(gitDir, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	snap := scan(dir, true)
	if len(snap) != 1 {
		t.Errorf("Expected 1 file, got %d: %v", len(snap), snap)
	}
}
