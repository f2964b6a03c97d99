package ext2

import (
	"fmt"
	"strings"
)

// SplitPath splits an absolute path into its components.
//
//	SplitPath("/a/b/c") == ["a", "b", "c"]
//	SplitPath("/")      == []
//
// A single trailing slash is dropped. Empty interior components, names
// longer than MaxNameLen and names containing NUL are rejected with
// ErrInvalidPath. "." and ".." are returned as ordinary components.
func SplitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%q: %w: not absolute", path, ErrInvalidPath)
	}

	rest := strings.TrimSuffix(path[1:], "/")
	if rest == "" {
		return []string{}, nil
	}

	parts := strings.Split(rest, "/")
	for _, part := range parts {
		switch {
		case part == "":
			return nil, fmt.Errorf("%q: %w: empty component", path, ErrInvalidPath)
		case len(part) > MaxNameLen:
			return nil, fmt.Errorf("%q: %w: component longer than %d bytes", path, ErrInvalidPath, MaxNameLen)
		case strings.IndexByte(part, 0) >= 0:
			return nil, fmt.Errorf("%q: %w: component contains NUL", path, ErrInvalidPath)
		}
	}
	return parts, nil
}
