//go:build linux

package wal

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes file data without forcing a metadata update when the size is unchanged.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
