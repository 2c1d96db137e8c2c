//go:build !darwin && !linux

package storage

// filesystemType cannot tell on this platform; the store is assumed local.
func filesystemType(string) (string, error) { return "unknown", nil }
