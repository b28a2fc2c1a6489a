// Package testutil provides shared test helpers for setting up vaults and
// snapshot databases.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/waymark/internal/cache"
	"github.com/starford/waymark/internal/storage"
)

// TestCache opens a snapshot database in a temp dir that is closed on
// cleanup.
func TestCache(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "waymark-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a storage.Provider.
func TestVault(t *testing.T) (string, storage.Provider) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// WriteFile writes content to the slash-separated rel path under root,
// creating parent directories.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of the slash-separated rel path under root.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// ProjectFiles is a small vault: one milestone with one story and three
// tasks. T-002 depends on T-001, and T-003 depends on both, which makes its
// T-001 dependency redundant.
var ProjectFiles = map[string]string{
	"milestones/M-001.md": "---\nid: M-001\ntitle: Launch\nstatus: Not Started\nworkstream: core\n---\nShip the first release.\n",
	"stories/S-001.md":    "---\nid: S-001\ntitle: Login\nstatus: Not Started\nparent: M-001\nworkstream: core\n---\nPassword login for users.\n",
	"tasks/T-001.md":      "---\nid: T-001\ntitle: Schema\nstatus: Not Started\nparent: S-001\n---\nCreate the users table.\n",
	"tasks/T-002.md":      "---\nid: T-002\ntitle: Endpoint\nstatus: Not Started\nparent: S-001\ndepends_on: [T-001]\n---\nLogin endpoint.\n",
	"tasks/T-003.md":      "---\nid: T-003\ntitle: Form\nstatus: Not Started\nparent: S-001\ndepends_on: [T-001, T-002]\n---\nLogin form with password field.\n",
}

// WriteProject writes ProjectFiles into root.
func WriteProject(t *testing.T, root string) {
	t.Helper()
	for rel, content := range ProjectFiles {
		WriteFile(t, root, rel, content)
	}
}
