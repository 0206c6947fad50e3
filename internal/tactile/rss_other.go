//go:build !linux && !windows

package tactile

import "syscall"

// macOS and the BSDs report ru_maxrss in bytes.
func maxRSSBytes(r *syscall.Rusage) int64 {
	return int64(r.Maxrss)
}
