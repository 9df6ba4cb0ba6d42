package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/template-worker/internal/worker/domain"
)

var errTooLarge = errors.New("uncompressed size limit exceeded")

// Extract unpacks the zip at src into dest. Entries escaping dest make the
// archive corrupt; symlinks and macOS resource forks are skipped; the total
// uncompressed size is capped at maxBytes.
func Extract(src, dest string, maxBytes int64) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		if r != nil {
			r.Close()
		}
		return fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	remaining := maxBytes
	for _, f := range r.File {
		target, skip, err := entryPath(dest, f.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
		}
		if skip || f.Mode()&os.ModeSymlink != 0 {
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		n, err := extractFile(f, target, remaining)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return fmt.Errorf("%w: %v (%d bytes)", domain.ErrCorruptArchive, err, maxBytes)
			}
			return err
		}
		remaining -= n
	}

	return nil
}

// entryPath maps an archive entry name to a path under dest
func entryPath(dest, name string) (string, bool, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", false, fmt.Errorf("unsafe entry path %q", name)
	}
	if name == "__MACOSX" || strings.HasPrefix(name, "__MACOSX/") {
		return "", true, nil
	}

	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false, fmt.Errorf("unsafe entry path %q", name)
	}
	return target, rel == ".", nil
}

func extractFile(f *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if err != nil {
		return n, fmt.Errorf("%w: %v", domain.ErrCorruptArchive, err)
	}
	if n > remaining {
		return n, errTooLarge
	}
	if closeErr != nil {
		return n, fmt.Errorf("failed to write file: %w", closeErr)
	}
	return n, nil
}

// ProjectRoot returns the directory holding the project: dir itself, or its
// only non-hidden entry when that entry is a directory
func ProjectRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read extracted archive: %w", err)
	}

	var visible []os.DirEntry
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			visible = append(visible, e)
		}
	}

	if len(visible) == 1 && visible[0].IsDir() {
		return filepath.Join(dir, visible[0].Name()), nil
	}
	return dir, nil
}
