// ABOUTME: Tests for the audio thread priority boost
// ABOUTME: Lowering priority is always permitted, so it exercises the syscall path
package rtthread

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoostLowerPriority(t *testing.T) {
	if runtime.GOOS != "linux" {
		assert.Error(t, Boost(DefaultNice))
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		// Thread is discarded on exit since it stays locked

		if !assert.NoError(t, Boost(19)) {
			return
		}
		nice, err := Nice()
		assert.NoError(t, err)
		assert.Equal(t, 19, nice)
	}()
	<-done
}
