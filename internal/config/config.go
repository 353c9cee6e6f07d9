package config

import (
	"fmt"
	"time"
)

// Message log drivers.
const (
	MessageLogSQLite = "sqlite"
	MessageLogBadger = "badger"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	MessageLog   string `mapstructure:"message_log" yaml:"message_log"`
	BadgerPath   string `mapstructure:"badger_path" yaml:"badger_path"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxContentBytes int           `mapstructure:"max_content_bytes" yaml:"max_content_bytes"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit" yaml:"history_limit"`
	RoomQueueSize   int           `mapstructure:"room_queue_size" yaml:"room_queue_size"`
	ClientBuffer    int           `mapstructure:"client_buffer" yaml:"client_buffer"`

	// RedisAddr enables the presence mirror when set.
	RedisAddr   string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		DatabasePath:      "breedchat.db",
		MessageLog:        MessageLogSQLite,
		BadgerPath:        "breedchat-messages",
		JWTSecret:         "change-me",
		JWTIssuer:         "breedchat",
		JWTAudience:       "breedchat",
		TokenTTL:          24 * time.Hour,
		MaxFrameBytes:     16 << 10,
		MaxContentBytes:   2048,
		PublishTimeout:    5 * time.Second,
		JoinTimeout:       10 * time.Second,
		HistoryLimit:      50,
		RoomQueueSize:     256,
		ClientBuffer:      64,
		PresenceTTL:       10 * time.Minute,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	setString(&c.Addr, other.Addr)
	setDuration(&c.ReadHeaderTimeout, other.ReadHeaderTimeout)
	setDuration(&c.ShutdownTimeout, other.ShutdownTimeout)
	setString(&c.LogLevel, other.LogLevel)
	setString(&c.LogFormat, other.LogFormat)
	setString(&c.DatabasePath, other.DatabasePath)
	setString(&c.MessageLog, other.MessageLog)
	setString(&c.BadgerPath, other.BadgerPath)
	setString(&c.JWTSecret, other.JWTSecret)
	setString(&c.JWTIssuer, other.JWTIssuer)
	setString(&c.JWTAudience, other.JWTAudience)
	setDuration(&c.TokenTTL, other.TokenTTL)
	if other.MaxFrameBytes != 0 {
		c.MaxFrameBytes = other.MaxFrameBytes
	}
	setInt(&c.MaxContentBytes, other.MaxContentBytes)
	setDuration(&c.PublishTimeout, other.PublishTimeout)
	setDuration(&c.JoinTimeout, other.JoinTimeout)
	setInt(&c.HistoryLimit, other.HistoryLimit)
	setInt(&c.RoomQueueSize, other.RoomQueueSize)
	setInt(&c.ClientBuffer, other.ClientBuffer)
	setString(&c.RedisAddr, other.RedisAddr)
	setDuration(&c.PresenceTTL, other.PresenceTTL)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.MessageLog {
	case MessageLogSQLite, MessageLogBadger:
	default:
		return fmt.Errorf("message_log: unknown driver %q", c.MessageLog)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.MaxContentBytes <= 0 {
		return fmt.Errorf("max_content_bytes must be positive")
	}
	if c.MaxFrameBytes < int64(c.MaxContentBytes) {
		return fmt.Errorf("max_frame_bytes (%d) must fit max_content_bytes (%d)", c.MaxFrameBytes, c.MaxContentBytes)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
