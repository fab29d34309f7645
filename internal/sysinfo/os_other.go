//go:build !linux && !darwin

package sysinfo

import "runtime"

func osDescription() string {
	return runtime.GOOS
}
