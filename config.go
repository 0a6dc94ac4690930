package ringkv

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoggerConfig controls how a Node or Coordinator writes its structured
// logs.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	LogFile    string `yaml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RingConfig holds the identifier-space and table-sizing constants every
// Node in a ring shares.
type RingConfig struct {
	HexDigits    int `yaml:"hex_digits"`     // D
	BitsPerDigit int `yaml:"bits_per_digit"` // b
	LeafSetSize  int `yaml:"leaf_set_size"`  // L
	NetworkSize  int `yaml:"network_size"`   // N, used to derive M = floor(sqrt(N))
}

// TransportConfig controls the per-node socket server.
type TransportConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes"`
	WorkerPoolSize  int `yaml:"worker_pool_size"`
	DialTimeoutMS   int `yaml:"dial_timeout_ms"`
}

// LSHConfig sizes the banded min-hash index used during lookup.
type LSHConfig struct {
	NumBands int `yaml:"num_bands"`
	NumRows  int `yaml:"num_rows"`
}

// Config is the top-level, yaml-loadable configuration for a ring.
type Config struct {
	Ring      RingConfig      `yaml:"ring"`
	Transport TransportConfig `yaml:"transport"`
	LSH       LSHConfig       `yaml:"lsh"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// DefaultConfig returns a small ring's worth of constants: 4 hex digits,
// 4 bits per digit (16 columns), a
// leaf set of 4, and a nominal network size of 64.
func DefaultConfig() Config {
	return Config{
		Ring: RingConfig{
			HexDigits:    4,
			BitsPerDigit: 4,
			LeafSetSize:  4,
			NetworkSize:  64,
		},
		Transport: TransportConfig{
			MaxMessageBytes: 64 * 1024,
			WorkerPoolSize:  10,
			DialTimeoutMS:   10_000,
		},
		LSH: LSHConfig{
			NumBands: 4,
			NumRows:  5,
		},
		Logger: LoggerConfig{
			Level: "warn",
		},
	}
}

// LoadConfig reads a yaml document from path and layers it on top of
// DefaultConfig, so partial files only need to specify overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides layers RINGKV_* environment variables on top of cfg,
// letting a deployment tweak sizing without editing the yaml file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RINGKV_RING_HEX_DIGITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ring.HexDigits = n
		}
	}
	if v := os.Getenv("RINGKV_RING_LEAF_SET_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ring.LeafSetSize = n
		}
	}
	if v := os.Getenv("RINGKV_RING_NETWORK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ring.NetworkSize = n
		}
	}
	if v := os.Getenv("RINGKV_TRANSPORT_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.WorkerPoolSize = n
		}
	}
	if v := strings.ToLower(os.Getenv("RINGKV_LOGGER_LEVEL")); v != "" {
		c.Logger.Level = v
	}
}

// ValidateConfig collects every configuration problem it can find instead
// of stopping at the first one, so a misconfigured ring fails once with a
// complete report.
func (c Config) ValidateConfig() error {
	var problems []string
	if c.Ring.HexDigits <= 0 || c.Ring.HexDigits > 16 {
		problems = append(problems, "ring.hex_digits must be between 1 and 16")
	}
	if c.Ring.BitsPerDigit != 4 {
		problems = append(problems, "ring.bits_per_digit must be 4 (hexadecimal digits)")
	}
	if c.Ring.LeafSetSize <= 0 || c.Ring.LeafSetSize%2 != 0 {
		problems = append(problems, "ring.leaf_set_size must be a positive even number")
	}
	if c.Ring.NetworkSize <= 0 {
		problems = append(problems, "ring.network_size must be positive")
	}
	if c.Transport.MaxMessageBytes <= 0 {
		problems = append(problems, "transport.max_message_bytes must be positive")
	}
	if c.Transport.WorkerPoolSize <= 0 {
		problems = append(problems, "transport.worker_pool_size must be positive")
	}
	if c.LSH.NumBands <= 0 || c.LSH.NumRows <= 0 {
		problems = append(problems, "lsh.num_bands and lsh.num_rows must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// LogConfig dumps the resolved configuration to lgr at debug level, one
// field per section, useful when diagnosing why a ring was built with an
// unexpected shape.
func (c Config) LogConfig(lgr *zap.SugaredLogger) {
	lgr.Debugw("resolved configuration",
		"hex_digits", c.Ring.HexDigits,
		"bits_per_digit", c.Ring.BitsPerDigit,
		"leaf_set_size", c.Ring.LeafSetSize,
		"network_size", c.Ring.NetworkSize,
		"max_message_bytes", c.Transport.MaxMessageBytes,
		"worker_pool_size", c.Transport.WorkerPoolSize,
		"lsh_num_bands", c.LSH.NumBands,
		"lsh_num_rows", c.LSH.NumRows,
	)
}

// NeighborhoodSize returns M, the neighborhood-set capacity derived from
// the nominal network size.
func (c RingConfig) NeighborhoodSize() int {
	m := 1
	for m*m < c.NetworkSize {
		m++
	}
	if m*m > c.NetworkSize && m > 1 {
		m--
	}
	if m < 1 {
		m = 1
	}
	return m
}
