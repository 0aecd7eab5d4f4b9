// Package archive extracts zip archives defensively: every member path
// is resolved to its real, symlink-free location and checked against the
// destination before a single byte is written, closing the path-traversal
// hole the upstream tool installer would otherwise be exposed to.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PathEscapesDestinationError is returned when a member's resolved path
// is not a strict descendant of the extraction destination.
type PathEscapesDestinationError struct {
	Member      string
	Destination string
}

func (e *PathEscapesDestinationError) Error() string {
	return fmt.Sprintf("archive member %q escapes destination %q", e.Member, e.Destination)
}

// ExtractZip extracts every member of the zip at archivePath into dest.
// Before writing anything, it validates that every member's resolved
// path is a strict descendant of dest, using filepath ancestry rather
// than string-prefix comparison (a string-prefix check would wrongly
// accept "/tmp/root2" as "inside" "/tmp/root"). Rejection aborts the
// whole operation before any file is written and removes anything
// already extracted for this call.
func ExtractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	destReal, err := realOrSelf(dest)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	for _, f := range r.File {
		ok, err := isStrictDescendant(filepath.Join(dest, f.Name), destReal)
		if err != nil {
			return fmt.Errorf("resolve member %q: %w", f.Name, err)
		}
		if !ok {
			return &PathEscapesDestinationError{Member: f.Name, Destination: dest}
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	var written []string
	cleanup := func() {
		for i := len(written) - 1; i >= 0; i-- {
			os.Remove(written[i])
		}
	}

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)

		ok, err := isStrictDescendant(target, destReal)
		if err != nil {
			cleanup()
			return fmt.Errorf("resolve member %q: %w", f.Name, err)
		}
		if !ok {
			cleanup()
			return &PathEscapesDestinationError{Member: f.Name, Destination: dest}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				cleanup()
				return fmt.Errorf("mkdir %q: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			cleanup()
			return fmt.Errorf("mkdir parent of %q: %w", target, err)
		}
		if err := extractFile(f, target); err != nil {
			cleanup()
			return fmt.Errorf("extract %q: %w", f.Name, err)
		}
		written = append(written, target)
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// isStrictDescendant reports whether target, once resolved to its real
// path (or its nearest existing ancestor's real path joined with the
// remaining non-existent suffix, since the member doesn't exist yet),
// lies strictly under destReal using path-component ancestry, not
// string prefixing.
func isStrictDescendant(target, destReal string) (bool, error) {
	targetReal, err := realOrSelf(target)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(destReal, targetReal)
	if err != nil {
		return false, err
	}
	if rel == "." {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	if filepath.IsAbs(rel) {
		return false, nil
	}
	return true, nil
}

// realOrSelf resolves symlinks on the longest existing ancestor of p and
// rejoins the non-existent suffix, since archive members don't exist on
// disk yet when we need to validate their destination.
func realOrSelf(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	var suffix []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			full := resolved
			for i := len(suffix) - 1; i >= 0; i-- {
				full = filepath.Join(full, suffix[i])
			}
			return filepath.Clean(full), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// reached filesystem root without resolving anything real
			return abs, nil
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}
