//go:build unix

package mux

import (
	"golang.org/x/sys/unix"
)

// isFDValid reports whether fd refers to an open file description.
func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func closeFD(fd int) error {
	if !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}
