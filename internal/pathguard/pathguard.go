package pathguard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrInvalidPath  = errors.New("invalid path")
)

// Resolver maps caller supplied relative paths onto a single storage root.
type Resolver struct {
	root string
}

// NewResolver canonicalizes root. The root must exist and be a directory.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("empty storage root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %q is not a directory", canonical)
	}
	return &Resolver{root: canonical}, nil
}

// Root returns the canonical storage root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns an absolute path for rel that is contained in the root.
// Containment is checked on the cleaned path and again after resolving
// symlinks, so neither ".." segments nor links can leave the root.
func (r *Resolver) Resolve(rel string) (string, error) {
	rel = decode(rel)
	if strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimLeft(rel, "/")

	candidate := filepath.Clean(filepath.Join(r.root, filepath.FromSlash(rel)))
	if !r.contains(candidate) {
		return "", ErrAccessDenied
	}

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if !r.contains(resolved) {
		return "", ErrAccessDenied
	}
	return resolved, nil
}

// Rel is the inverse of Resolve, returning a slash separated path relative
// to the root ("" for the root itself).
func (r *Resolver) Rel(abs string) (string, error) {
	if !r.contains(abs) {
		return "", ErrAccessDenied
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", fmt.Errorf("rel path: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func (r *Resolver) contains(p string) bool {
	p = filepath.Clean(p)
	return p == r.root || strings.HasPrefix(p, r.root+string(filepath.Separator))
}

// decode undoes one level of percent-encoding. Names that are not valid
// escapes (e.g. "100%.txt") are kept verbatim.
func decode(p string) string {
	if !strings.Contains(p, "%") {
		return p
	}
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return unescaped
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	current := p
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return p, nil
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}
