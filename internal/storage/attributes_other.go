//go:build !windows

package storage

// setWindowsHidden is a no-op off Windows: the hidden attribute has no
// POSIX equivalent worth faking (a leading dot changes the file's name,
// which BEP 47 does not ask for).
func setWindowsHidden(path string) error { return nil }
