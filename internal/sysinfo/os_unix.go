//go:build linux || darwin

package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// osDescription returns "<sysname> <release>", e.g. "Linux 6.8.0".
func osDescription() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return runtime.GOOS
	}
	return unix.ByteSliceToString(u.Sysname[:]) + " " + unix.ByteSliceToString(u.Release[:])
}
