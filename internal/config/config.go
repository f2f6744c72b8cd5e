// Package config loads duplex configuration from defaults, an optional YAML
// file and DUPLEX_* environment variables, then validates the result
// against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaCUE string

// Executor names.
const (
	ExecutorPool   = "pool"
	ExecutorSerial = "serial"
)

// Config is the root configuration.
type Config struct {
	Log      LogConfig     `mapstructure:"log" json:"log"`
	Tick     TickConfig    `mapstructure:"tick" json:"tick"`
	Executor string        `mapstructure:"executor" json:"executor"`
	Session  SessionConfig `mapstructure:"session" json:"session"`
	Network  NetworkConfig `mapstructure:"network" json:"network"`
	Metrics  MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" json:"level"`
	// Format: text or json
	Format string `mapstructure:"format" json:"format"`
}

// TickConfig controls the tick loop.
type TickConfig struct {
	Rate time.Duration `mapstructure:"rate" json:"rate"`
}

// SessionConfig controls the peer session.
type SessionConfig struct {
	Sentinel      string        `mapstructure:"sentinel" json:"sentinel"`
	ConnectOnSend bool          `mapstructure:"connect_on_send" json:"connect_on_send"`
	Codec         string        `mapstructure:"codec" json:"codec"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" json:"shutdown_grace"`
	// ReceivePoll of zero runs the listener as one blocking loop.
	ReceivePoll time.Duration `mapstructure:"receive_poll" json:"receive_poll"`
}

// NetworkConfig locates the shared overlay file.
type NetworkConfig struct {
	DB   string        `mapstructure:"db" json:"db"`
	Poll time.Duration `mapstructure:"poll" json:"poll"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tick:     TickConfig{Rate: 16 * time.Millisecond},
		Executor: ExecutorPool,
		Session: SessionConfig{
			Sentinel:      "START",
			ConnectOnSend: true,
			Codec:         "json",
			ShutdownGrace: 2 * time.Second,
		},
		Network: NetworkConfig{
			DB:   "duplex.db",
			Poll: 50 * time.Millisecond,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $DUPLEX_CONFIG or duplex.yaml in the working directory or ~/.duplex.
// A missing search-path file is not an error; a missing explicit file is.
//
// Environment variables use the prefix DUPLEX with "." and "-" replaced by
// "_". Example: DUPLEX_SESSION_RECEIVE_POLL=20ms
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DUPLEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed defaults so env-only configs work.
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("tick.rate", cfg.Tick.Rate)
	v.SetDefault("executor", cfg.Executor)
	v.SetDefault("session.sentinel", cfg.Session.Sentinel)
	v.SetDefault("session.connect_on_send", cfg.Session.ConnectOnSend)
	v.SetDefault("session.codec", cfg.Session.Codec)
	v.SetDefault("session.shutdown_grace", cfg.Session.ShutdownGrace)
	v.SetDefault("session.receive_poll", cfg.Session.ReceivePoll)
	v.SetDefault("network.db", cfg.Network.DB)
	v.SetDefault("network.poll", cfg.Network.Poll)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	if path == "" {
		path = os.Getenv("DUPLEX_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("duplex")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".duplex"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Executor = strings.ToLower(strings.TrimSpace(c.Executor))
	c.Session.Codec = strings.ToLower(strings.TrimSpace(c.Session.Codec))
}

// Validate checks c against the schema and cross-field rules.
func (c *Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Executor == ExecutorSerial && c.Session.ReceivePoll <= 0 {
		return errors.New("invalid config: executor serial requires session.receive_poll > 0")
	}
	return nil
}
