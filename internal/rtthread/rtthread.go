// ABOUTME: Best-effort scheduling boost for the audio thread
// ABOUTME: Callers must have locked the goroutine to its OS thread first
package rtthread

// DefaultNice is the niceness requested for the audio thread
const DefaultNice = -11

// Boost raises the priority of the calling OS thread. It returns an error when
// the platform refuses (commonly missing CAP_SYS_NICE); callers should carry on.
func Boost(nice int) error {
	return boost(nice)
}
