// Package config loads robotctl settings from an optional file, ROBOT_*
// environment variables and built-in defaults, in decreasing precedence
// after command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/robot"
	"github.com/banshee-data/robotctl/internal/transport"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// replaced by underscores: ROBOT_SERIAL_PORT, ROBOT_PROTOCOL_MAX_RETRIES.
const EnvPrefix = "ROBOT"

// EnvConfigPath names the variable consulted when no config path is given.
const EnvConfigPath = "ROBOT_CONFIG"

type Config struct {
	Serial    SerialConfig         `mapstructure:"serial"`
	Protocol  ProtocolConfig       `mapstructure:"protocol"`
	Reconnect ReconnectConfig      `mapstructure:"reconnect"`
	Log       monitoring.LogConfig `mapstructure:"log"`
	Admin     AdminConfig          `mapstructure:"admin"`
	Store     StoreConfig          `mapstructure:"store"`
	Batch     BatchConfig          `mapstructure:"batch"`
}

type SerialConfig struct {
	Port    string                `mapstructure:"port"`
	Options transport.PortOptions `mapstructure:",squash"`
}

type ProtocolConfig struct {
	BaseTimeout  time.Duration `mapstructure:"base_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	AliveMarker  string        `mapstructure:"alive_marker"`
	ResetPulse   time.Duration `mapstructure:"reset_pulse"`
	SettleTime   time.Duration `mapstructure:"settle_time"`
}

type ReconnectConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	PingCheck   bool          `mapstructure:"ping_check"`
}

type AdminConfig struct {
	// Listen is the address of the debug HTTP server. Empty disables it.
	Listen string `mapstructure:"listen"`
}

type StoreConfig struct {
	// Path of the sqlite comm log database. Empty keeps the log in memory only.
	Path string `mapstructure:"path"`
}

type BatchConfig struct {
	// Rate limits scripted commands per second. Zero means no pacing.
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", transport.DefaultBaudRate)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")

	v.SetDefault("protocol.base_timeout", robot.DefaultBaseTimeout)
	v.SetDefault("protocol.max_retries", robot.DefaultMaxRetries)
	v.SetDefault("protocol.probe_timeout", time.Second)
	v.SetDefault("protocol.alive_marker", "")
	v.SetDefault("protocol.reset_pulse", 50*time.Millisecond)
	v.SetDefault("protocol.settle_time", 2*time.Second)

	v.SetDefault("reconnect.max_retries", 5)
	v.SetDefault("reconnect.base_delay", 500*time.Millisecond)
	v.SetDefault("reconnect.open_timeout", time.Second)
	v.SetDefault("reconnect.ping_check", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size_mb", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 28)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("admin.listen", "")
	v.SetDefault("store.path", "")
	v.SetDefault("batch.rate", 0.0)
	v.SetDefault("batch.burst", 1)
}

// Default returns the built-in defaults with any ROBOT_* overrides applied.
func Default() *Config {
	cfg, err := decode(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// FlagKeys maps robotctl command-line flags to the keys they override.
var FlagKeys = map[string]string{
	"port":      "serial.port",
	"baud":      "serial.baud_rate",
	"listen":    "admin.listen",
	"log-db":    "store.path",
	"log-level": "log.level",
	"rate":      "batch.rate",
}

// Load reads path (json, yaml or toml by extension). An empty path falls back
// to $ROBOT_CONFIG, and if that is unset only defaults and environment
// variables apply.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with the flags named in FlagKeys taking precedence
// over every other source when they were set on the command line.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if fs != nil {
		for name, key := range FlagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Serial.Options.Normalize(); err != nil {
		errs = append(errs, fmt.Errorf("serial: %w", err))
	}
	if c.Protocol.BaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("protocol.base_timeout must be positive, got %v", c.Protocol.BaseTimeout))
	}
	if c.Protocol.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("protocol.max_retries must be at least 1, got %d", c.Protocol.MaxRetries))
	}
	if c.Protocol.SettleTime < 0 {
		errs = append(errs, fmt.Errorf("protocol.settle_time must not be negative, got %v", c.Protocol.SettleTime))
	}
	if c.Reconnect.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries must be at least 1, got %d", c.Reconnect.MaxRetries))
	}
	if c.Batch.Rate < 0 {
		errs = append(errs, fmt.Errorf("batch.rate must not be negative, got %v", c.Batch.Rate))
	}
	return errors.Join(errs...)
}

// LinkConfig converts the serial and protocol sections for robot.NewLink.
func (c *Config) LinkConfig() robot.LinkConfig {
	return robot.LinkConfig{
		Port:         c.Serial.Port,
		Options:      c.Serial.Options,
		ProbeTimeout: c.Protocol.ProbeTimeout,
		AliveMarker:  c.Protocol.AliveMarker,
		ResetPulse:   c.Protocol.ResetPulse,
		SettleTime:   c.Protocol.SettleTime,
	}
}

// ClientOptions returns the engine tuning options.
func (c *Config) ClientOptions() []robot.Option {
	return []robot.Option{
		robot.WithBaseTimeout(c.Protocol.BaseTimeout),
		robot.WithMaxRetries(c.Protocol.MaxRetries),
	}
}

// ReconnectOptions returns the reconnect defaults, without port or baud
// overrides.
func (c *Config) ReconnectOptions() robot.ReconnectOptions {
	return robot.ReconnectOptions{
		MaxRetries:  c.Reconnect.MaxRetries,
		BaseDelay:   c.Reconnect.BaseDelay,
		OpenTimeout: c.Reconnect.OpenTimeout,
		PingCheck:   c.Reconnect.PingCheck,
	}
}
