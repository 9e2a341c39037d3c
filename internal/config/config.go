package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Control   ControlConfig   `mapstructure:"control"`
	Events    EventsConfig    `mapstructure:"events"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DiscoveryConfig struct {
	TimeoutSec      int    `mapstructure:"timeout_sec"`
	RetryCount      int    `mapstructure:"retry_count"`
	RetryIntervalMS int    `mapstructure:"retry_interval_ms"`
	CacheTTLSec     int    `mapstructure:"cache_ttl_sec"`
	SearchTarget    string `mapstructure:"search_target"`
}

type ControlConfig struct {
	RatePerSecond int `mapstructure:"rate_per_second"`
	TimeoutSec    int `mapstructure:"timeout_sec"`
}

type EventsConfig struct {
	ListenPort         int `mapstructure:"listen_port"`
	LeaseSec           int `mapstructure:"lease_sec"`
	RenewalMarginSec   int `mapstructure:"renewal_margin_sec"`
	MinRenewalDelaySec int `mapstructure:"min_renewal_delay_sec"`
}

type RelayConfig struct {
	MaxConsumers       int `mapstructure:"max_consumers"`
	MaxBufferFrames    int `mapstructure:"max_buffer_frames"`
	TokenTTLSec        int `mapstructure:"token_ttl_sec"`
	ProducerTimeoutSec int `mapstructure:"producer_timeout_sec"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", "8090")
	v.SetDefault("discovery.timeout_sec", 5)
	v.SetDefault("discovery.retry_count", 3)
	v.SetDefault("discovery.retry_interval_ms", 800)
	v.SetDefault("discovery.cache_ttl_sec", 60)
	v.SetDefault("discovery.search_target", "urn:schemas-upnp-org:device:ZonePlayer:1")
	v.SetDefault("control.rate_per_second", 5)
	v.SetDefault("control.timeout_sec", 5)
	v.SetDefault("events.listen_port", 0)
	v.SetDefault("events.lease_sec", 3600)
	v.SetDefault("events.renewal_margin_sec", 300)
	v.SetDefault("events.min_renewal_delay_sec", 60)
	v.SetDefault("relay.max_consumers", 8)
	v.SetDefault("relay.max_buffer_frames", 64)
	v.SetDefault("relay.token_ttl_sec", 30)
	v.SetDefault("relay.producer_timeout_sec", 10)
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("CASTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Relay.MaxConsumers < 1 {
		return fmt.Errorf("relay.max_consumers must be >= 1")
	}
	if c.Relay.MaxBufferFrames < 1 {
		return fmt.Errorf("relay.max_buffer_frames must be >= 1")
	}
	if c.Discovery.RetryCount < 1 {
		return fmt.Errorf("discovery.retry_count must be >= 1")
	}
	if c.Events.RenewalMarginSec < 0 || c.Events.MinRenewalDelaySec < 0 {
		return fmt.Errorf("events renewal settings must not be negative")
	}
	if c.Relay.ProducerTimeoutSec < 1 {
		return fmt.Errorf("relay.producer_timeout_sec must be >= 1")
	}
	return nil
}

// Duration accessors for the sections stored in flat integer units.

func (c DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c DiscoveryConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

func (c DiscoveryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func (c ControlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c EventsConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSec) * time.Second
}

func (c EventsConfig) RenewalMargin() time.Duration {
	return time.Duration(c.RenewalMarginSec) * time.Second
}

func (c EventsConfig) MinRenewalDelay() time.Duration {
	return time.Duration(c.MinRenewalDelaySec) * time.Second
}

func (c RelayConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSec) * time.Second
}

func (c RelayConfig) ProducerTimeout() time.Duration {
	return time.Duration(c.ProducerTimeoutSec) * time.Second
}
