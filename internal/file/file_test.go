package file

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory, err=%v", err)
	}
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRemoveIfExists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.zip")
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := RemoveIfExists(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveIfExists(p); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}
