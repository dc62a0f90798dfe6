package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "movies", "2024"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r, err := NewResolver(root)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r, r.Root()
}

func TestResolveInsideRoot(t *testing.T) {
	r, root := newTestResolver(t)

	cases := []struct {
		in   string
		want string
	}{
		{"", root},
		{"/", root},
		{"movies", filepath.Join(root, "movies")},
		{"/movies/2024", filepath.Join(root, "movies", "2024")},
		{"movies%2F2024", filepath.Join(root, "movies", "2024")},
		{"movies/../movies/2024", filepath.Join(root, "movies", "2024")},
		{"movies\\2024", filepath.Join(root, "movies", "2024")},
		{"movies/not-yet", filepath.Join(root, "movies", "not-yet")},
		{"100%.txt", filepath.Join(root, "100%.txt")},
	}
	for _, c := range cases {
		got, err := r.Resolve(c.in)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Resolve(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r, _ := newTestResolver(t)

	for _, in := range []string{
		"..",
		"../etc/passwd",
		"movies/../../secret",
		"/../../",
		"%2e%2e/%2e%2e/etc",
		"movies/2024/../../../x",
	} {
		if _, err := r.Resolve(in); !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("Resolve(%q): expected ErrAccessDenied, got %v", in, err)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	r, root := newTestResolver(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := r.Resolve("escape"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for symlink escape, got %v", err)
	}
	if _, err := r.Resolve("escape/child/file.txt"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for path below symlink escape, got %v", err)
	}
}

func TestResolveRejectsNUL(t *testing.T) {
	r, _ := newTestResolver(t)
	if _, err := r.Resolve("movies\x00"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestRel(t *testing.T) {
	r, root := newTestResolver(t)
	got, err := r.Rel(filepath.Join(root, "movies", "2024"))
	if err != nil || got != "movies/2024" {
		t.Fatalf("Rel=%q err=%v", got, err)
	}
	if got, err := r.Rel(root); err != nil || got != "" {
		t.Fatalf("Rel(root)=%q err=%v", got, err)
	}
	if _, err := r.Rel(filepath.Dir(root)); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestNewResolverRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewResolver(f); err == nil {
		t.Fatalf("expected error for file root")
	}
	if _, err := NewResolver(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
