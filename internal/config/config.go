// ABOUTME: Daemon configuration loaded from YAML with environment overrides
// ABOUTME: Supplies the driver buffer size and the rest of the audio core settings
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AUDIOCORE_"

// DriverNull names the headless backend. In YAML a bare null is a null
// value rather than a string; LoadConfig treats `driver: null` as this name
// anyway, and quoting it ("null") works too.
const DriverNull = "null"

// Config is the top-level daemon configuration.
type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	RPC       RPCConfig       `yaml:"rpc"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Control   ControlConfig   `yaml:"control"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	CueScript string          `yaml:"cue_script"`
}

// AudioConfig holds engine and driver settings.
type AudioConfig struct {
	Driver       string    `yaml:"driver"` // auto, pulse, oto, malgo, null
	SampleRate   int       `yaml:"sample_rate"`
	Channels     int       `yaml:"channels"`
	BufferFrames int       `yaml:"buffer_frames"`
	CyclePeriod  string    `yaml:"cycle_period"` // Duration string, e.g. "5ms".
	Volume       float64   `yaml:"volume"`
	Tracks       []float64 `yaml:"tracks"` // Tone frequencies in Hz, one track each.
	Headless     bool      `yaml:"headless"`
	Nice         int       `yaml:"nice"`
}

// RPCConfig sizes the command channel.
type RPCConfig struct {
	Capacity int `yaml:"capacity"`
}

// SequencerConfig bounds pending events.
type SequencerConfig struct {
	Capacity int `yaml:"capacity"`
}

// ControlConfig configures the WebSocket control server.
type ControlConfig struct {
	Addr string `yaml:"addr"` // Empty disables the server.
	Name string `yaml:"name"`
}

// DiscoveryConfig configures mDNS advertisement.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

// LogConfig configures the log backend.
type LogConfig struct {
	File       string            `yaml:"file"`
	Level      string            `yaml:"level"`
	Subsystems map[string]string `yaml:"subsystems"` // Per-subsystem level overrides.
}

// Default returns a configuration that runs with no file present.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			Driver:       "auto",
			SampleRate:   audio.DefaultSampleRate,
			Channels:     audio.DefaultChannels,
			BufferFrames: 1024,
			CyclePeriod:  "5ms",
			Volume:       0.8,
			Tracks:       []float64{440, 660},
			Nice:         -11,
		},
		RPC:       RPCConfig{Capacity: 256},
		Sequencer: SequencerConfig{Capacity: 1024},
		Control: ControlConfig{
			Addr: ":8928",
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Service: "_audiocore._tcp",
		},
		Log: LogConfig{
			File:  "audiocored.log",
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file over the defaults and returns a Config.
// Environment variables referenced as ${VAR} or $VAR in the YAML are expanded
// before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := normalizeDriver(expanded, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// normalizeDriver catches audio.driver values that decode as a YAML null,
// which would otherwise leave the default in place. The literal null selects
// the null driver; an empty value, such as an unset ${VAR}, is an error.
func normalizeDriver(data []byte, cfg *Config) error {
	var raw struct {
		Audio struct {
			Driver yaml.Node `yaml:"driver"`
		} `yaml:"audio"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}

	node := raw.Audio.Driver
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!null" {
		return nil
	}
	switch node.Value {
	case "", "~":
		return errors.New("config: audio: driver is empty")
	default:
		cfg.Audio.Driver = DriverNull
		return nil
	}
}

// ApplyEnv overrides fields from AUDIOCORE_* environment variables.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPrefix + "DRIVER"); v != "" {
		c.Audio.Driver = v
	}
	if v := os.Getenv(EnvPrefix + "SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Audio.SampleRate = n
		}
	}
	if v := os.Getenv(EnvPrefix + "BUFFER_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Audio.BufferFrames = n
		}
	}

	// Volume is 0-100 in the environment
	if v := os.Getenv(EnvPrefix + "VOLUME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			vol := float64(n) / 100.0
			if vol < 0 {
				vol = 0
			}
			if vol > 1 {
				vol = 1
			}
			c.Audio.Volume = vol
		}
	}

	if v := os.Getenv(EnvPrefix + "HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Audio.Headless = b
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "CONTROL_ADDR"); ok {
		c.Control.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if err := c.Format().Validate(); err != nil {
		return fmt.Errorf("config: audio: %w", err)
	}
	if c.Audio.Driver == "" {
		return errors.New("config: audio: driver is required")
	}
	if c.Audio.BufferFrames <= 0 {
		return fmt.Errorf("config: audio: buffer_frames must be positive, got %d", c.Audio.BufferFrames)
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 1 {
		return fmt.Errorf("config: audio: volume must be within [0, 1], got %v", c.Audio.Volume)
	}

	period, err := time.ParseDuration(c.Audio.CyclePeriod)
	if err != nil {
		return fmt.Errorf("config: audio: cycle_period: %w", err)
	}
	if period <= 0 {
		return errors.New("config: audio: cycle_period must be positive")
	}
	if buffered := c.Format().Duration(c.Audio.BufferFrames); period >= buffered {
		return fmt.Errorf("config: audio: cycle_period %v must be shorter than the %v buffer", period, buffered)
	}

	for i, f := range c.Audio.Tracks {
		if f <= 0 || f > float64(c.Audio.SampleRate)/2 {
			return fmt.Errorf("config: audio: track %d: frequency %v out of range", i, f)
		}
	}
	if c.RPC.Capacity <= 0 {
		return fmt.Errorf("config: rpc: capacity must be positive, got %d", c.RPC.Capacity)
	}
	if c.Sequencer.Capacity <= 0 {
		return fmt.Errorf("config: sequencer: capacity must be positive, got %d", c.Sequencer.Capacity)
	}
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return errors.New("config: discovery: service is required when enabled")
	}
	return nil
}

// DriverBufferSize returns the ring buffer capacity in frames.
func (c Config) DriverBufferSize() int {
	return c.Audio.BufferFrames
}

// Format returns the engine sample format.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels}
}

// CyclePeriod returns the parsed audio loop period, falling back to 5ms.
func (c Config) CyclePeriod() time.Duration {
	d, err := time.ParseDuration(c.Audio.CyclePeriod)
	if err != nil || d <= 0 {
		return 5 * time.Millisecond
	}
	return d
}
