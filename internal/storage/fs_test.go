package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/waymark/internal/apperr"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteReadEntityFile(t *testing.T) {
	s := tempVault(t)
	content := []byte("---\nid: T-001\ntitle: Wire cache\n---\nBody\n")
	if err := s.Write("tasks/T-001.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("tasks/T-001.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := tempVault(t)
	if _, err := s.Read("stories/S-404.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Read err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("stories/S-404.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Stat("stories/S-404.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Stat err = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntityFile(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("T-002.md", []byte("x"))
	if err := s.Delete("T-002.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("T-002.md"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMoveToArchive(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("stories/S-001.md", []byte("story"))
	if err := s.Move("stories/S-001.md", "archive/stories/S-001.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("archive/stories/S-001.md")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "story" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("stories/S-001.md"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestMoveRefusesOverwrite(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a/S-001.md", []byte("one"))
	_ = s.Write("b/S-001.md", []byte("two"))
	if err := s.Move("a/S-001.md", "b/S-001.md"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("Move err = %v, want ErrAlreadyExists", err)
	}
}

func TestListSkipsHiddenAndNonMarkdown(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("milestones/M-001.md", []byte("m"))
	_ = s.Write("stories/S-001.md", []byte("s"))
	_ = s.Write("canvas/plan.canvas", []byte("{}"))
	_ = s.Write(".obsidian/workspace.md", []byte("hidden"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(items), items)
	}
	for _, it := range items {
		if it.ModTime.IsZero() {
			t.Errorf("%s: zero mod time", it.Path)
		}
		if it.Size != 1 {
			t.Errorf("%s: size = %d, want 1", it.Path, it.Size)
		}
	}
}

func TestStatReportsMtime(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("T-003.md", []byte("task"))
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(s.root, "T-003.md"), when, when); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	info, err := s.Stat("T-003.md")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime.Equal(when) {
		t.Errorf("ModTime = %v, want %v", info.ModTime, when)
	}
	if info.Path != "T-003.md" || info.Size != 4 {
		t.Errorf("info = %+v", info)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)
	for _, p := range []string{"../../etc/passwd", "../outside.md", "/etc/shadow"} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for read of %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
		if _, err := s.Stat(p); err == nil {
			t.Errorf("expected error for stat of %q", p)
		}
	}
}

func TestOverwriteLeavesNoTempFiles(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("S-009.md", []byte("v1"))
	if err := s.Write("S-009.md", []byte("v2")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("S-009.md")
	if string(got) != "v2" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, ".waymark-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFSRejectsBadRoot(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
	f := filepath.Join(t.TempDir(), "file")
	_ = os.WriteFile(f, []byte("x"), 0o644)
	if _, err := NewFS(f); err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestWriteKeepsPermissions(t *testing.T) {
	fs := tempVault(t)
	if err := fs.Write("tasks/T-001.md", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	abs := filepath.Join(fs.root, "tasks", "T-001.md")
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("new file mode = %v, want 0644", info.Mode().Perm())
	}

	if err := os.Chmod(abs, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := fs.Write("tasks/T-001.md", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	info, err = os.Stat(abs)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("rewritten file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestMoveMissingIsNotFound(t *testing.T) {
	fs := tempVault(t)
	err := fs.Move("tasks/T-404.md", "archive/T-404.md")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
