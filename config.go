package blockstm

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"
)

type Priority string

const (
	// validate whenever the validation sweep is behind the execution sweep,
	// which keeps work concentrated on the lowest uncommitted indices
	PriorityLowestIndex Priority = "lowest-index"
	// execute everything once before validating
	PriorityExecutionFirst Priority = "execution-first"
)

type Config struct {
	Concurrency int `toml:"concurrency" yaml:"concurrency"` // Worker goroutines, 0 means GOMAXPROCS.
	// Fall back to sequential execution of the uncommitted suffix once the
	// number of aborts exceeds this multiple of the block size. 0 disables.
	FallbackAbortRatio float64  `toml:"fallback-abort-ratio" yaml:"fallback-abort-ratio"`
	BlockGasLimit      uint64   `toml:"block-gas-limit" yaml:"block-gas-limit"` // 0 means unlimited.
	PruneInterval      int      `toml:"prune-interval" yaml:"prune-interval"`   // Prune committed history every N commits, 0 disables.
	Priority           Priority `toml:"priority" yaml:"priority"`
	LogLevel           string   `toml:"log-level" yaml:"log-level"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:        0,
		FallbackAbortRatio: 8,
		BlockGasLimit:      0,
		PruneInterval:      256,
		Priority:           PriorityLowestIndex,
		LogLevel:           "info",
	}
}

// LoadConfig reads a toml or yaml file, chosen by extension, on top of
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Trace(err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		return cfg, errors.Annotatef(ErrInvalidConfig, "unknown config format %q", path)
	}
	if err != nil {
		return cfg, errors.Annotatef(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return errors.Annotatef(ErrInvalidConfig, "concurrency %d", c.Concurrency)
	}
	if c.FallbackAbortRatio < 0 {
		return errors.Annotatef(ErrInvalidConfig, "fallback-abort-ratio %v", c.FallbackAbortRatio)
	}
	if c.PruneInterval < 0 {
		return errors.Annotatef(ErrInvalidConfig, "prune-interval %d", c.PruneInterval)
	}
	switch c.Priority {
	case "", PriorityLowestIndex, PriorityExecutionFirst:
	default:
		return errors.Annotatef(ErrInvalidConfig, "priority %q", c.Priority)
	}
	return nil
}

func (c *Config) workers() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

func (c *Config) priority() Priority {
	if c.Priority == "" {
		return PriorityLowestIndex
	}
	return c.Priority
}

// abortLimit is the abort count that trips the sequential fallback, -1 if disabled.
func (c *Config) abortLimit(blockSize int) int64 {
	if c.FallbackAbortRatio <= 0 {
		return -1
	}
	return int64(c.FallbackAbortRatio * float64(blockSize))
}
