//go:build unix

package handle

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	modeReadWrite uint32 = unix.R_OK | unix.W_OK
	modeCreate    uint32 = unix.W_OK | unix.X_OK
)

func access(path string, mode uint32) error {
	return unix.Access(path, mode)
}

func isDenied(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EROFS)
}
