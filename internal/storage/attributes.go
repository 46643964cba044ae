package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/prxssh/riptide/internal/meta"
)

// ApplyFileAttributes applies a BEP 47 file's attributes to its completed
// on-disk path, in the order that matters: symlink first (a symlink entry
// has no real content of its own to touch afterward), then the executable
// bit, then the hidden attribute, then an optional SHA-1 content check.
func ApplyFileAttributes(root, path string, f *meta.File) error {
	if f == nil || f.IsPadding() {
		return nil
	}

	if f.IsSymlink() {
		return applySymlink(root, path, f)
	}

	if f.IsExecutable() {
		if err := applyExecutable(path); err != nil {
			return err
		}
	}

	if f.IsHidden() {
		if err := setWindowsHidden(path); err != nil {
			return err
		}
	}

	if f.SHA1 != nil {
		if err := verifyFileSHA1(path, *f.SHA1); err != nil {
			return err
		}
	}

	return nil
}

func applySymlink(root, path string, f *meta.File) error {
	target := filepath.Join(append([]string{root}, f.SymlinkPath...)...)

	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("storage: remove existing file before symlink %s: %w", path, err)
		}
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("storage: symlink %s -> %s: %w", path, target, err)
	}
	return nil
}

func applyExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if err := os.Chmod(path, info.Mode()|0o111); err != nil {
		return fmt.Errorf("storage: chmod %s: %w", path, err)
	}
	return nil
}

func verifyFileSHA1(path string, want [sha1.Size]byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("storage: read %s for sha1 verify: %w", path, err)
	}
	if sha1.Sum(data) != want {
		return fmt.Errorf("storage: sha1 mismatch for %s", path)
	}
	return nil
}
