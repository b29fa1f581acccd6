// Package scan enumerates files under a root and aggregates their entropy
// into per-group scores.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultIgnore lists version-control and dependency-manager directories
// that churn constantly and never hold user data worth scoring.
var DefaultIgnore = []string{".git", "node_modules", ".vscode", "venv"}

// RootUnavailableError reports a scan root that cannot be enumerated.
type RootUnavailableError struct {
	Root string
	Err  error
}

func (e *RootUnavailableError) Error() string {
	return fmt.Sprintf("scan: root %s unavailable: %v", e.Root, e.Err)
}

func (e *RootUnavailableError) Unwrap() error {
	return e.Err
}

// IgnoreSet holds literal entry names to skip.
type IgnoreSet map[string]struct{}

// NewIgnoreSet builds an IgnoreSet from names.
func NewIgnoreSet(names ...string) IgnoreSet {
	s := make(IgnoreSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether name is ignored.
func (s IgnoreSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Walk returns the regular files under root. Depth 0 lists only root's own
// files; each additional level descends one more directory. A negative
// depth yields nothing. Entries whose name is in ignore are skipped with
// their whole subtree.
//
// Paths are returned in lexical order per directory. A failure to read
// root itself is returned as a *RootUnavailableError; unreadable
// subdirectories are skipped.
func Walk(ctx context.Context, root string, maxDepth int, ignore IgnoreSet) ([]string, error) {
	if maxDepth < 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &RootUnavailableError{Root: root, Err: err}
	}

	var files []string
	if err := walkEntries(ctx, root, entries, maxDepth, ignore, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func walkDir(ctx context.Context, dir string, depth int, ignore IgnoreSet, files *[]string) error {
	if depth < 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	return walkEntries(ctx, dir, entries, depth, ignore, files)
}

func walkEntries(ctx context.Context, dir string, entries []os.DirEntry, depth int, ignore IgnoreSet, files *[]string) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ignore.Contains(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		mode := entry.Type()

		// Resolve symlinks the way a plain stat would; cycles are bounded
		// by depth.
		if mode&os.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			mode = info.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if err := walkDir(ctx, path, depth-1, ignore, files); err != nil {
				return err
			}
		case mode.IsRegular():
			*files = append(*files, path)
		}
	}
	return nil
}
