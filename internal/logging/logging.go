// ABOUTME: Subsystem loggers backed by decred/slog
// ABOUTME: Wires every package logger to one backend writing to stdout and a log file
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/decred/slog"

	"github.com/Resonate-Protocol/audiocore/internal/control"
	"github.com/Resonate-Protocol/audiocore/internal/cuescript"
	"github.com/Resonate-Protocol/audiocore/internal/discovery"
	"github.com/Resonate-Protocol/audiocore/pkg/audio/driver"
	"github.com/Resonate-Protocol/audiocore/pkg/audiomodule"
	"github.com/Resonate-Protocol/audiocore/pkg/engine"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
)

// Subsystem tags
const (
	SubsystemMain      = "MAIN"
	SubsystemEngine    = "ENGN"
	SubsystemRPC       = "RPC"
	SubsystemSequencer = "SEQ"
	SubsystemDriver    = "DRVR"
	SubsystemModule    = "AMOD"
	SubsystemControl   = "CTRL"
	SubsystemDiscovery = "DISC"
	SubsystemCues      = "CUES"
)

// Logging owns the backend and the per-subsystem loggers
type Logging struct {
	backend *slog.Backend
	closer  io.Closer

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// New creates loggers writing to w and registers them with every package
func New(w io.Writer) *Logging {
	l := &Logging{
		backend: slog.NewBackend(w),
		loggers: make(map[string]slog.Logger),
	}

	engine.UseLogger(l.Logger(SubsystemEngine))
	rpc.UseLogger(l.Logger(SubsystemRPC))
	sequencer.UseLogger(l.Logger(SubsystemSequencer))
	driver.UseLogger(l.Logger(SubsystemDriver))
	audiomodule.UseLogger(l.Logger(SubsystemModule))
	control.UseLogger(l.Logger(SubsystemControl))
	discovery.UseLogger(l.Logger(SubsystemDiscovery))
	cuescript.UseLogger(l.Logger(SubsystemCues))
	l.Logger(SubsystemMain)

	return l
}

// Open logs to stdout and, when path is set, appends to a file as well
func Open(path string) (*Logging, error) {
	if path == "" {
		return New(os.Stdout), nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	l := New(io.MultiWriter(os.Stdout, f))
	l.closer = f
	return l, nil
}

// Logger returns the logger for a subsystem tag, creating it on first use
func (l *Logging) Logger(tag string) slog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lg, ok := l.loggers[tag]; ok {
		return lg
	}
	lg := l.backend.Logger(tag)
	lg.SetLevel(slog.LevelInfo)
	l.loggers[tag] = lg
	return lg
}

// SetLevel applies level to every subsystem
func (l *Logging) SetLevel(level string) error {
	lvl, ok := slog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("invalid log level %q", level)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lg := range l.loggers {
		lg.SetLevel(lvl)
	}
	return nil
}

// SetLevels applies per-subsystem overrides such as {"ENGN": "debug"}
func (l *Logging) SetLevels(levels map[string]string) error {
	for tag, level := range levels {
		lvl, ok := slog.LevelFromString(level)
		if !ok {
			return fmt.Errorf("invalid log level %q for %s", level, tag)
		}
		l.Logger(strings.ToUpper(tag)).SetLevel(lvl)
	}
	return nil
}

// Subsystems lists the registered tags
func (l *Logging) Subsystems() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	tags := make([]string, 0, len(l.loggers))
	for tag := range l.loggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Close releases the log file, if any
func (l *Logging) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
