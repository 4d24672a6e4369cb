// Package config loads the hub configuration from an optional YAML file and
// GRIDHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GRIDHUB_HUB_PORT.
const EnvPrefix = "GRIDHUB"

// Config is the hub configuration. Durations are Go duration strings in the
// YAML file and in GRIDHUB_* variables.
type Config struct {
	Hub struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// ConfigFile is a JSON document served verbatim by /grid/api/hub.
		ConfigFile string `mapstructure:"config_file"`
	} `mapstructure:"hub"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Fallback struct {
		Host   string `mapstructure:"host"`
		Port   int    `mapstructure:"port"`
		Key    string `mapstructure:"key"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"fallback"`

	Timeouts struct {
		Node        time.Duration `mapstructure:"node"`
		Idle        time.Duration `mapstructure:"idle"`
		IdleSlack   time.Duration `mapstructure:"idle_slack"`
		MaxDuration time.Duration `mapstructure:"max_duration"`
		Pending     time.Duration `mapstructure:"pending"`
	} `mapstructure:"timeouts"`

	Intervals struct {
		SessionCheck time.Duration `mapstructure:"session_check"`
		Liveness     time.Duration `mapstructure:"liveness"`
		PendingDrain time.Duration `mapstructure:"pending_drain"`
	} `mapstructure:"intervals"`

	Forward struct {
		Retries int           `mapstructure:"retries"`
		Delay   time.Duration `mapstructure:"delay"`
	} `mapstructure:"forward"`

	Dispatch struct {
		Retries int `mapstructure:"retries"`
	} `mapstructure:"dispatch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.host", "0.0.0.0")
	v.SetDefault("hub.port", 4444)
	v.SetDefault("hub.config_file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("fallback.host", "hub.testingbot.com")
	v.SetDefault("fallback.port", 80)
	v.SetDefault("fallback.key", "")
	v.SetDefault("fallback.secret", "")

	v.SetDefault("timeouts.node", 10*time.Second)
	v.SetDefault("timeouts.idle", 120*time.Second)
	v.SetDefault("timeouts.idle_slack", 15*time.Second)
	v.SetDefault("timeouts.max_duration", 1800*time.Second)
	v.SetDefault("timeouts.pending", 600*time.Second)

	v.SetDefault("intervals.session_check", 5*time.Second)
	v.SetDefault("intervals.liveness", 5*time.Second)
	v.SetDefault("intervals.pending_drain", 5*time.Second)

	v.SetDefault("forward.retries", 5)
	v.SetDefault("forward.delay", 2*time.Second)
	v.SetDefault("dispatch.retries", 5)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		errs = append(errs, fmt.Errorf("hub.port %d out of range", c.Hub.Port))
	}
	if c.FallbackEnabled() && (c.Fallback.Host == "" || c.Fallback.Port <= 0) {
		errs = append(errs, errors.New("fallback.key set without fallback.host/port"))
	}
	for name, d := range map[string]time.Duration{
		"timeouts.node":           c.Timeouts.Node,
		"timeouts.idle":           c.Timeouts.Idle,
		"timeouts.max_duration":   c.Timeouts.MaxDuration,
		"timeouts.pending":        c.Timeouts.Pending,
		"intervals.session_check": c.Intervals.SessionCheck,
		"intervals.liveness":      c.Intervals.Liveness,
		"intervals.pending_drain": c.Intervals.PendingDrain,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Forward.Retries < 0 || c.Dispatch.Retries < 0 {
		errs = append(errs, errors.New("retries must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Hub.Host, strconv.Itoa(c.Hub.Port))
}

// FallbackEnabled reports whether a fallback credential is configured.
func (c *Config) FallbackEnabled() bool {
	return c.Fallback.Key != ""
}

// Describe returns the effective configuration for /grid/api/hub, with the
// fallback secret redacted.
func (c *Config) Describe() map[string]any {
	secret := ""
	if c.Fallback.Secret != "" {
		secret = "********"
	}
	return map[string]any{
		"host": c.Hub.Host,
		"port": c.Hub.Port,
		"fallback": map[string]any{
			"host":    c.Fallback.Host,
			"port":    c.Fallback.Port,
			"key":     c.Fallback.Key,
			"secret":  secret,
			"enabled": c.FallbackEnabled(),
		},
		"timeouts": map[string]any{
			"nodeTimeout": c.Timeouts.Node.Milliseconds(),
			"idle":        c.Timeouts.Idle.Milliseconds(),
			"idleSlack":   c.Timeouts.IdleSlack.Milliseconds(),
			"maxDuration": c.Timeouts.MaxDuration.Milliseconds(),
			"pending":     c.Timeouts.Pending.Milliseconds(),
		},
	}
}

// HubDocument returns the file configured as hub.config_file. ok is false
// when none is configured.
func (c *Config) HubDocument() (doc []byte, ok bool, err error) {
	if c.Hub.ConfigFile == "" {
		return nil, false, nil
	}
	doc, err = os.ReadFile(c.Hub.ConfigFile)
	if err != nil {
		return nil, true, fmt.Errorf("read hub config: %w", err)
	}
	return doc, true, nil
}
