//go:build linux

package pagemanager

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// extendFile reserves blocks for [from, to) so that later stores through the
// map cannot fault on a full disk.
func extendFile(f *os.File, from, to int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, from, to-from)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return f.Truncate(to)
	}
	return err
}
