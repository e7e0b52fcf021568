package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RULEPATCH"

// config is the configuration of the command, read from rulepatch.yaml, the
// RULEPATCH_* environment variables and the flags, in increasing priority.
type config struct {
	// Payload is the path or http(s) url of the rule configuration.
	Payload string `mapstructure:"payload"`
	// Format is the payload format.
	Format string `mapstructure:"format"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// LogFile is written to instead of stderr if set.
	LogFile string `mapstructure:"log_file"`
	// CacheDir keeps a copy of downloaded payloads.
	CacheDir string        `mapstructure:"cache_dir"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Debug dumps the views after each command.
	Debug bool `mapstructure:"debug"`
}

// flagKeys maps the flags to the config keys they override.
var flagKeys = map[string]string{
	"payload":   "payload",
	"format":    "format",
	"log-level": "log_level",
	"log-file":  "log_file",
	"cache-dir": "cache_dir",
	"cache-ttl": "cache_ttl",
	"debug":     "debug",
}

// loadConfig reads the config. If file is empty, rulepatch.yaml is read from
// the working directory if it exists.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet, file string) (*config, error) {
	v.SetDefault("format", "yaml")
	v.SetDefault("log_level", "warn")
	v.SetDefault("cache_ttl", time.Hour)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("rulepatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	c := &config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Payload == "" {
		return nil, errors.New("no payload (set payload in rulepatch.yaml, RULEPATCH_PAYLOAD or --payload)")
	}
	return c, nil
}
