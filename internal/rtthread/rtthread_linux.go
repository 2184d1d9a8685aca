//go:build linux

package rtthread

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// boost sets the niceness of the current thread. On Linux PRIO_PROCESS with
// a tid applies to that thread only.
func boost(nice int) error {
	tid := unix.Gettid()
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		return fmt.Errorf("setpriority(tid=%d, nice=%d): %w", tid, nice, err)
	}
	return nil
}

// Nice returns the current thread's niceness
func Nice() (int, error) {
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, unix.Gettid())
	if err != nil {
		return 0, err
	}
	// The raw syscall returns 20-nice
	return 20 - prio, nil
}
