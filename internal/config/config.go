// Package config reads the manager's own bootstrap configuration: log
// level/format, state directory roots, and a default start-rate-limit
// window/burst. The rate-limit values are loaded and validated but not
// applied to any unit: the dispatcher reads only each unit's own
// StartLimitInterval/StartLimitBurst. units.go maps a YAML list of unit
// definitions onto internal/unit.Unit values; there is no ini-style
// unit-file parser.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "service-core/errors"
)

// Config is the manager's bootstrap configuration, loaded once at
// startup from a YAML file.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
		Format string `yaml:"format"` // "text" or "json"
		Path   string `yaml:"path"`   // empty means stderr
	} `yaml:"log"`

	Dirs struct {
		Runtime string `yaml:"runtime"` // launcher FIFOs/exec configs, e.g. /run/svcore
		State   string `yaml:"state"`   // persisted unit state, e.g. /var/lib/svcore
	} `yaml:"dirs"`

	RestartLimit struct {
		Interval time.Duration `yaml:"interval"` // default StartLimitIntervalSec
		Burst    int            `yaml:"burst"`    // default StartLimitBurst
	} `yaml:"restart_limit"`

	HostKeyPath string `yaml:"host_key_path"` // credential.SealHost key material
}

// Default returns the configuration used when no file is present,
// mirroring the teacher's GetStateRoot() fallback of a fixed /run path.
func Default() *Config {
	c := &Config{}
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Dirs.Runtime = "/run/svcore"
	c.Dirs.State = "/var/lib/svcore"
	c.RestartLimit.Interval = 10 * time.Second
	c.RestartLimit.Burst = 5
	c.HostKeyPath = "/etc/svcore/host.key"
	return c
}

// Load reads and parses a YAML config file, filling in any field the
// file omits from Default(). A missing file is not an error: the
// manager runs on defaults alone, the same way the teacher's CLI runs
// with no flags set.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, cerrors.Wrap(err, cerrors.ErrResource, "read config file")
	}

	// Decode into a copy pre-seeded with defaults so an omitted field in
	// the file keeps its Default() value instead of zeroing out.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInvalidConfig, "parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the manager cannot start with.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return cerrors.New(cerrors.ErrInvalidConfig, "validate config",
			fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Dirs.Runtime == "" {
		return cerrors.New(cerrors.ErrInvalidConfig, "validate config", "dirs.runtime must not be empty")
	}
	if c.RestartLimit.Burst < 0 {
		return cerrors.New(cerrors.ErrInvalidConfig, "validate config", "restart_limit.burst must not be negative")
	}
	return nil
}
