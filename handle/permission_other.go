//go:build !unix

package handle

import (
	"os"
)

// Without access(2) the best we can do is look at the permission bits.

const (
	modeReadWrite uint32 = 0600
	modeCreate    uint32 = 0300
)

func access(path string, mode uint32) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if uint32(fi.Mode().Perm())&mode != mode {
		return os.ErrPermission
	}
	return nil
}

func isDenied(err error) bool {
	return os.IsPermission(err)
}
