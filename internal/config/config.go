// Package config loads gridline configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration. Values come from
// gridline.yaml (searched in ., $HOME/.gridline, /etc/gridline), overridden
// by GRIDLINE_* environment variables.
type Config struct {
	// Database is the path to the SQLite database file.
	Database string `mapstructure:"database"`

	// HTTPAddr is the REST listen address.
	HTTPAddr string `mapstructure:"http_addr"`

	Daemon DaemonConfig `mapstructure:"daemon"`
	Broker BrokerConfig `mapstructure:"broker"`
	Email  EmailConfig  `mapstructure:"email"`
}

// DaemonConfig holds defaults shared by the undertaker, judge and hermes
// loops; command-line flags override per invocation.
type DaemonConfig struct {
	Threads int `mapstructure:"threads"`
	Bulk    int `mapstructure:"bulk"`
	// DelaySeconds is the target loop period.
	DelaySeconds int `mapstructure:"delay_seconds"`
	// HeartbeatExpirySeconds drops workers that stopped renewing.
	HeartbeatExpirySeconds int `mapstructure:"heartbeat_expiry_seconds"`
}

// BrokerConfig configures STOMP delivery.
type BrokerConfig struct {
	// Hosts are broker hostnames; each is DNS-resolved once at startup and
	// every resolved address gets its own connection.
	Hosts       []string `mapstructure:"hosts"`
	Port        int      `mapstructure:"port"`
	Destination string   `mapstructure:"destination"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	// TimeoutSeconds bounds each send.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// RetrySeconds is the initial reconnect backoff.
	RetrySeconds int `mapstructure:"retry_seconds"`
}

// EmailConfig configures SMTP delivery of email-typed messages.
type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	From     string `mapstructure:"from"`
}

// Load reads the configuration. A missing config file is fine; defaults
// and environment cover everything.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("gridline")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.gridline")
	v.AddConfigPath("/etc/gridline")

	v.SetEnvPrefix("GRIDLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database", "gridline.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("daemon.threads", 1)
	v.SetDefault("daemon.bulk", 100)
	v.SetDefault("daemon.delay_seconds", 60)
	v.SetDefault("daemon.heartbeat_expiry_seconds", 600)
	v.SetDefault("broker.port", 61613)
	v.SetDefault("broker.destination", "/topic/gridline.events")
	v.SetDefault("broker.timeout_seconds", 10)
	v.SetDefault("broker.retry_seconds", 2)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
