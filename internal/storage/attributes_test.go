package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/prxssh/riptide/internal/meta"
)

func TestApplyFileAttributesSkipsPadding(t *testing.T) {
	f := &meta.File{Attr: "p"}
	if err := ApplyFileAttributes("/root", "/some/path", f); err != nil {
		t.Fatalf("padding file should be a no-op: %v", err)
	}
}

func TestApplyFileAttributesExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is a no-op on windows")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	f := &meta.File{Attr: "x"}
	if err := ApplyFileAttributes(dir, path, f); err != nil {
		t.Fatalf("ApplyFileAttributes: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("expected executable bit to be set, mode = %v", info.Mode())
	}
}

func TestApplyFileAttributesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs elevated privileges on windows")
	}

	dir := t.TempDir()
	targetPath := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(targetPath, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	linkPath := filepath.Join(dir, "link.txt")
	f := &meta.File{Attr: "l", SymlinkPath: []string{"real.txt"}}
	if err := ApplyFileAttributes(dir, linkPath, f); err != nil {
		t.Fatalf("ApplyFileAttributes: %v", err)
	}

	resolved, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if resolved != targetPath {
		t.Fatalf("symlink target = %q, want %q", resolved, targetPath)
	}
}

func TestApplyFileAttributesSHA1Mismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	var wrong [sha1.Size]byte
	wrong[0] = 0xff

	f := &meta.File{SHA1: &wrong}
	if err := ApplyFileAttributes(dir, path, f); err == nil {
		t.Fatalf("expected sha1 mismatch error")
	}
}

func TestApplyFileAttributesSHA1Match(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello world")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	sum := sha1.Sum(content)
	f := &meta.File{SHA1: &sum}
	if err := ApplyFileAttributes(dir, path, f); err != nil {
		t.Fatalf("ApplyFileAttributes: %v", err)
	}
}
