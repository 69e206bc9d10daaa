package dataflow

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// cleanPattern makes pattern slash-separated and relative.
func cleanPattern(pattern string) string {
	return path.Clean(strings.Trim(filepath.ToSlash(pattern), "/"))
}

// Match reports whether the slash-separated relative path name matches
// pattern. Segments use path.Match syntax; a `**` segment matches zero or
// more whole segments.
func Match(pattern, name string) (bool, error) {
	pattern = cleanPattern(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	return doublestar.Match(pattern, strings.Trim(filepath.ToSlash(name), "/"))
}

// Glob returns the regular files under root whose path relative to root
// matches pattern. Results are slash-separated and sorted.
func Glob(root, pattern string) ([]string, error) {
	pattern = cleanPattern(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	var out []string
	err := doublestar.GlobWalk(os.DirFS(root), pattern, func(p string, d fs.DirEntry) error {
		if d.Type().IsRegular() {
			out = append(out, p)
		}
		return nil
	}, doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}
