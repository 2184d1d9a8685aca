// ABOUTME: Runtime registry of compiled-in audio backends
// ABOUTME: Maps names to factories and orders candidates per operating system
package driver

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// Auto asks New/Candidates to choose by operating system
const Auto = "auto"

// Factory creates an unopened driver
type Factory func() Driver

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend. Later registrations replace earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// IsRegistered reports whether a backend was compiled in
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Available lists registered backend names
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the named backend. "auto" or "" picks the first candidate for
// the running OS.
func New(name string) (Driver, error) {
	if name == "" || name == Auto {
		candidates := Candidates(runtime.GOOS)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: no backend for %s", ErrUnknownDriver, runtime.GOOS)
		}
		name = candidates[0]
	}

	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, name, Available())
	}
	return f(), nil
}

// preference lists backends in the order they should be tried per OS
var preference = map[string][]string{
	"linux":   {"pulse", "malgo", "oto"},
	"darwin":  {"malgo", "oto"},
	"windows": {"malgo", "oto"},
	"js":      {"oto"},
}

// Candidates returns the registered backends for goos, best first. The null
// backend is never chosen automatically.
func Candidates(goos string) []string {
	order, ok := preference[goos]
	if !ok {
		order = []string{"oto"}
	}

	var out []string
	for _, name := range order {
		if IsRegistered(name) {
			out = append(out, name)
		}
	}
	return out
}

// Select returns the preferred backend name for goos, or "" if none is
// compiled in.
func Select(goos string) string {
	c := Candidates(goos)
	if len(c) == 0 {
		return ""
	}
	return c[0]
}
