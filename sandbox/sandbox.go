// Package sandbox confines project-relative paths to their project root.
//
// Resolution is done in two phases. The lexical phase rejects empty input,
// NUL bytes, absolute paths and any ".." segment without touching the disk.
// The physical phase canonicalizes the longest existing prefix of the joined
// path with filepath.EvalSymlinks and checks that it is still inside the
// canonical project root, so a symlink planted inside a project cannot be used
// to reach files elsewhere.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape is returned when a path would resolve outside its project.
	ErrPathEscape = errors.New("path escapes project root")

	// ErrInvalidPath is returned for empty paths or paths containing NUL bytes.
	ErrInvalidPath = errors.New("invalid path")
)

// Clean normalizes a project-relative path to its POSIX form.
// Backslashes are treated as separators. The result never starts with "/"
// and never contains a ".." segment; "." denotes the project root itself.
func Clean(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}

	p := strings.ReplaceAll(rel, "\\", "/")

	// Absolute POSIX paths, UNC shares and drive letters.
	if strings.HasPrefix(p, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || hasDriveLetter(p) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscape, rel)
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
		}
	}

	return path.Clean(p), nil
}

// Resolve joins rel onto projectRoot and returns the absolute path.
//
// The returned path is lexical (projectRoot joined with the cleaned relative
// path). It is only returned after its canonical form has been verified to be
// equal to or below the canonical projectRoot.
func Resolve(projectRoot, rel string) (string, error) {
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(projectRoot, filepath.FromSlash(clean))
	if !Within(projectRoot, joined) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	canonicalRoot, err := filepath.EvalSymlinks(projectRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project root: %w", err)
	}

	canonical, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	if !Within(canonicalRoot, canonical) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrPathEscape, rel, canonical)
	}

	return joined, nil
}

// Within reports whether target is root or a descendant of root.
// Both paths are compared lexically after filepath.Clean.
func Within(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// re-appends the components that do not exist yet.
func canonicalize(p string) (string, error) {
	var missing []string
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				if os.IsNotExist(err) {
					// cur exists as a link whose target does not.
					return "", fmt.Errorf("%w: dangling symlink %s", ErrPathEscape, cur)
				}
				return "", fmt.Errorf("failed to resolve %s: %w", cur, err)
			}
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to stat %s: %w", cur, err)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
