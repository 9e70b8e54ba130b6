package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// StageTree copies the tree rooted at src into dst. Paths matching one of
// the dockerignore-style patterns are left out. An empty pattern list
// copies everything, including build artifacts and local caches.
//
// All failures wrap oci.ErrSourceCopy.
func StageTree(src, dst string, patterns []string) error {
	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return fmt.Errorf("%w: invalid ignore patterns: %w", oci.ErrSourceCopy, err)
	}

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src {
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		excluded, err := matcher.MatchesOrParentMatches(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("match %q: %w", rel, err)
		}
		if excluded {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())

		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(linkTarget, target)

		case info.Mode().IsRegular():
			return CopyFile(p, target, info.Mode().Perm())

		default:
			// skip sockets, pipes, device nodes
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("%w: stage %s: %w", oci.ErrSourceCopy, src, err)
	}

	return nil
}

// CopyFile copies a single regular file, creating parent directories as needed.
func CopyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
