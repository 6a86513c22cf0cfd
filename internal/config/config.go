// Package config loads the vblk machine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultFilename = "vblk.yml"

// maxConfigSize caps the config file to keep a stray path from being slurped.
const maxConfigSize = 1024 * 1024

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes one emulated machine with a single virtio-blk disk.
type Config struct {
	// Image is the disk image file. Empty means an in-memory disk of
	// Sectors sectors.
	Image    string `yaml:"image"`
	Sectors  uint64 `yaml:"sectors"`
	ReadOnly bool   `yaml:"read_only"`

	QueueSize  uint16 `yaml:"queue_size"`
	MemorySize uint64 `yaml:"memory_size"`
	MemoryBase uint64 `yaml:"memory_base"`
	HHDMOffset uint64 `yaml:"hhdm_offset"`
	IOBase     uint16 `yaml:"io_base"`
	IRQLine    uint8  `yaml:"irq_line"`

	RequestTimeout Duration `yaml:"request_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	DeviceLatency  Duration `yaml:"device_latency"`

	LogLevel      string `yaml:"log_level"`
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Sectors:        2048,
		QueueSize:      128,
		MemorySize:     16 << 20,
		MemoryBase:     0x100000,
		HHDMOffset:     0xffff800000000000,
		IOBase:         0xC000,
		IRQLine:        11,
		RequestTimeout: Duration(5 * time.Second),
		PollInterval:   Duration(250 * time.Microsecond),
		LogLevel:       "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: stat %s: %w", path, err)
	}

	// On Windows this check is insufficient (requires ACL inspection).
	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return cfg, fmt.Errorf("config: %s is world-writable, refusing to load", path)
	}
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("config: %s is too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}

	slog.Debug("loaded config", "path", path, "size", info.Size(), "mode", info.Mode().String())
	return cfg, nil
}

// Validate checks the values a machine cannot be built without.
func (c Config) Validate() error {
	var errs []error
	if c.Image == "" && c.Sectors == 0 {
		errs = append(errs, errors.New("sectors must be set when no image is given"))
	}
	if c.QueueSize == 0 || c.QueueSize&(c.QueueSize-1) != 0 {
		errs = append(errs, fmt.Errorf("queue_size %d is not a power of 2", c.QueueSize))
	}
	if c.MemorySize == 0 || c.MemorySize%4096 != 0 {
		errs = append(errs, fmt.Errorf("memory_size %d is not a whole number of pages", c.MemorySize))
	}
	if c.MemoryBase%4096 != 0 {
		errs = append(errs, fmt.Errorf("memory_base 0x%x is not page aligned", c.MemoryBase))
	}
	if c.MemoryBase+c.MemorySize > 1<<44 {
		errs = append(errs, errors.New("guest memory must sit below 16 TiB for 32-bit queue PFNs"))
	}
	if c.IOBase == 0 || c.IOBase&3 != 0 {
		errs = append(errs, fmt.Errorf("io_base 0x%x must be non-zero and 4-byte aligned", c.IOBase))
	}
	if c.RequestTimeout < 0 || c.PollInterval < 0 || c.DeviceLatency < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}
