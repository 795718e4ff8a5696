// Package config handles octavevm.toml VM configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/nsesodia/octave-vm/internal/vm"
)

// FileName is the configuration file the loader searches for.
const FileName = "octavevm.toml"

// Config represents an octavevm.toml file.
type Config struct {
	Stack       Stack       `toml:"stack"`
	Dispatch    Dispatch    `toml:"dispatch"`
	Diagnostics Diagnostics `toml:"diagnostics"`
	Storage     Storage     `toml:"storage"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Stack sizes the operand stack machine.
type Stack struct {
	Size int `toml:"size"`
}

// Dispatch tunes the decode loop.
type Dispatch struct {
	DisableSpecialization bool `toml:"disable_specialization"`
}

// Diagnostics toggles the per-dispatch hooks.
type Diagnostics struct {
	Trace   bool `toml:"trace"`
	Echo    bool `toml:"echo"`
	Profile bool `toml:"profile"`
}

// Storage configures the host's persisted global store.
type Storage struct {
	GlobalsDB string `toml:"globals_db"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Stack: Stack{Size: 1 << 14},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDir looks for FileName in dir, falling back to defaults when the
// file does not exist.
func LoadDir(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.Dir = dir
		return cfg, nil
	}
	return Load(path)
}

func (c Config) validate() error {
	if c.Stack.Size < 0 {
		return fmt.Errorf("stack.size must be non-negative, got %d", c.Stack.Size)
	}
	return nil
}

// VMOptions translates the configuration into VM constructor options.
func (c Config) VMOptions() []vm.Option {
	var opts []vm.Option
	if c.Stack.Size > 0 {
		opts = append(opts, vm.WithStackSize(c.Stack.Size))
	}
	if c.Dispatch.DisableSpecialization {
		opts = append(opts, vm.WithoutSpecialization())
	}
	if c.Diagnostics.Trace {
		opts = append(opts, vm.WithTrace())
	}
	if c.Diagnostics.Echo {
		opts = append(opts, vm.WithEcho())
	}
	if c.Diagnostics.Profile {
		opts = append(opts, vm.WithProfiling())
	}
	return opts
}
