//go:build unix

package storageengine

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"golang.org/x/sys/unix"
)

// dirLock is an advisory lock that keeps a second process from opening the
// same environment.
type dirLock struct {
	f *os.File
}

func lockDir(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.IOError("open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", common.ErrEnvLocked, path)
		}
		return nil, common.IOError("lock environment", err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return common.IOError("close lock file", err)
	}
	return nil
}
