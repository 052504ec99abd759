package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opsboard/realtime/src/channel"
)

// ClientConfig holds realtime client configuration. Interval fields are
// seconds.
type ClientConfig struct {
	Endpoint         string `toml:"endpoint" json:"endpoint"`
	TokenURL         string `toml:"token_url" json:"token_url"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds" json:"heartbeat_seconds"`
	RetryDelaySecs   int    `toml:"retry_delay_seconds" json:"retry_delay_seconds"`
	MaxRetries       int    `toml:"max_retries" json:"max_retries"`
	DialTimeoutSecs  int    `toml:"dial_timeout_seconds" json:"dial_timeout_seconds"`
}

// DefaultClientConfig returns the reference client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint:         "ws://localhost:8090/ws",
		TokenURL:         "http://localhost:8090/realtime/token",
		HeartbeatSeconds: 30,
		RetryDelaySecs:   5,
		MaxRetries:       10,
		DialTimeoutSecs:  10,
	}
}

// ClientConfigFromEnv loads client configuration from environment
// variables, falling back to defaults for any missing values.
func ClientConfigFromEnv() *ClientConfig {
	cfg := DefaultClientConfig()

	if v := os.Getenv("REALTIME_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("REALTIME_TOKEN_URL"); v != "" {
		cfg.TokenURL = v
	}
	envInt("REALTIME_HEARTBEAT_SECONDS", &cfg.HeartbeatSeconds)
	envInt("REALTIME_RETRY_DELAY_SECONDS", &cfg.RetryDelaySecs)
	envInt("REALTIME_MAX_RETRIES", &cfg.MaxRetries)
	envInt("REALTIME_DIAL_TIMEOUT_SECONDS", &cfg.DialTimeoutSecs)
	return cfg
}

// ChannelConfig converts to the channel manager's timing parameters.
func (c *ClientConfig) ChannelConfig() channel.Config {
	return channel.Config{
		Endpoint:          c.Endpoint,
		HeartbeatInterval: time.Duration(c.HeartbeatSeconds) * time.Second,
		RetryDelay:        time.Duration(c.RetryDelaySecs) * time.Second,
		MaxRetries:        c.MaxRetries,
		DialTimeout:       time.Duration(c.DialTimeoutSecs) * time.Second,
	}
}

// ServerConfig holds rtserver configuration.
type ServerConfig struct {
	Addr            string `toml:"addr" json:"addr"`
	SessionCookie   string `toml:"session_cookie" json:"session_cookie"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds" json:"token_ttl_seconds"`
	ReadBufferSize  int    `toml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int    `toml:"write_buffer_size" json:"write_buffer_size"`
}

// DefaultServerConfig returns the default rtserver configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8090",
		SessionCookie:   "opsboard_session",
		TokenTTLSeconds: 60,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// ServerConfigFromEnv loads server configuration from environment
// variables, falling back to defaults.
func ServerConfigFromEnv() *ServerConfig {
	cfg := DefaultServerConfig()

	if v := os.Getenv("RTSERVER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("RTSERVER_SESSION_COOKIE"); v != "" {
		cfg.SessionCookie = v
	}
	envInt("RTSERVER_TOKEN_TTL_SECONDS", &cfg.TokenTTLSeconds)
	envInt("RTSERVER_READ_BUFFER_SIZE", &cfg.ReadBufferSize)
	envInt("RTSERVER_WRITE_BUFFER_SIZE", &cfg.WriteBufferSize)
	return cfg
}

// LoadServerConfig reads a TOML config file over the env/default values.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := ServerConfigFromEnv()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
