package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/longhorn/htif/pkg/htif"
	"github.com/longhorn/htif/pkg/types"
)

// Config carries the device constants the protocol engine depends on and
// where to reach the target.
type Config struct {
	MaxDataSize   int           `toml:"max_data_size"`
	DataAlign     int           `toml:"data_align"`
	RegisterWidth int           `toml:"register_width"`
	ReadTimeout   time.Duration `toml:"read_timeout"`
	URL           string        `toml:"url"`
}

func Default() Config {
	return Config{
		MaxDataSize:   types.DefaultMaxDataSize,
		DataAlign:     types.DefaultDataAlign,
		RegisterWidth: types.RegisterWidth,
		URL:           types.DefaultURL,
	}
}

// Load reads path on top of the defaults. An empty path or a missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.Debugf("Config file %v not found, using defaults", path)
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %v", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.Warnf("Ignoring unknown keys %v in config file %v", undecoded, path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config file %v", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxDataSize <= 0 {
		return errors.Newf("max_data_size must be positive, got %d", c.MaxDataSize)
	}
	if c.DataAlign <= 0 || c.DataAlign&(c.DataAlign-1) != 0 {
		return errors.Newf("data_align must be a power of two, got %d", c.DataAlign)
	}
	if c.MaxDataSize%c.DataAlign != 0 {
		return errors.Newf("max_data_size %d is not a multiple of data_align %d", c.MaxDataSize, c.DataAlign)
	}
	if c.RegisterWidth != 4 && c.RegisterWidth != 8 {
		return errors.Newf("register_width must be 4 or 8, got %d", c.RegisterWidth)
	}
	if c.ReadTimeout < 0 {
		return errors.Newf("read_timeout cannot be negative, got %v", c.ReadTimeout)
	}
	return nil
}

func (c Config) SessionConfig(metrics *htif.Metrics) htif.SessionConfig {
	return htif.SessionConfig{
		MaxDataSize:   c.MaxDataSize,
		DataAlign:     c.DataAlign,
		RegisterWidth: c.RegisterWidth,
		Metrics:       metrics,
	}
}
