//go:build !linux

package rtthread

import "errors"

// ErrUnsupported is returned where no thread priority API is wired
var ErrUnsupported = errors.New("thread priority boost unsupported on this platform")

func boost(int) error {
	return ErrUnsupported
}

// Nice is not available off Linux
func Nice() (int, error) {
	return 0, ErrUnsupported
}
