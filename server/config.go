package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/s00inx/embedhttpd/server/conn"
)

var ErrConfig = errors.New("server: invalid config")

type ListenConfig struct {
	// "*" or empty binds every address, IPv4 and IPv6
	Host string `yaml:"host"`
	Port string `yaml:"port" validate:"required"`
	TLS  bool   `yaml:"tls"`
}

// Config is everything the server reads at startup, durations are in seconds
type Config struct {
	Listen         []ListenConfig `yaml:"listen" validate:"required,min=1,dive"`
	MaxConnections int            `yaml:"max_connections" validate:"gte=0"`
	PollIntervalMs int            `yaml:"poll_interval_ms" validate:"gte=1"`

	KeepAlive        bool `yaml:"keep_alive"`
	KeepAliveTimeout int  `yaml:"keep_alive_timeout" validate:"gte=1"`
	NetworkTimeout   int  `yaml:"network_timeout" validate:"gte=1"`
	CloseOnPost      bool `yaml:"close_on_post"`
	RFC1918Filter    bool `yaml:"rfc1918_filter"`
	TCPKeepAlive     int  `yaml:"tcp_keepalive" validate:"gte=0"`

	ReadBufferSize    int `yaml:"read_buffer_size" validate:"gte=256"`
	WorkingBufferSize int `yaml:"working_buffer_size" validate:"gte=64"`
	LowWaterMark      int `yaml:"low_water_mark" validate:"gte=1"`
	Backlog           int `yaml:"backlog" validate:"gte=1"`

	DocumentRoot string `yaml:"document_root" validate:"omitempty,dir"`
	IndexFile    string `yaml:"index_file"`
	APIPrefix    string `yaml:"api_prefix" validate:"omitempty,startswith=/"`
	MetricsPath  string `yaml:"metrics_path" validate:"omitempty,startswith=/"`
	MaxBodySize  int    `yaml:"max_body_size" validate:"gte=0"`
	MaxAsyncJobs int    `yaml:"max_async_jobs" validate:"gte=1"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func DefaultConfig() Config {
	return Config{
		Listen:            []ListenConfig{{Host: "*", Port: "80"}},
		MaxConnections:    100,
		PollIntervalMs:    1,
		KeepAlive:         true,
		KeepAliveTimeout:  20,
		NetworkTimeout:    30,
		CloseOnPost:       true,
		ReadBufferSize:    4096,
		WorkingBufferSize: 4096,
		LowWaterMark:      256,
		Backlog:           128,
		IndexFile:         "index.html",
		APIPrefix:         "/api",
		MetricsPath:       "/metrics",
		MaxBodySize:       64 << 10,
		MaxAsyncJobs:      4,
		LogLevel:          "info",
	}
}

// LoadConfig reads a yaml file over the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}
	return cfg, cfg.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

func (c *Config) settings() conn.Settings {
	return conn.Settings{
		KeepAlive:         c.KeepAlive,
		KeepAliveTimeout:  time.Duration(c.KeepAliveTimeout) * time.Second,
		NetworkTimeout:    time.Duration(c.NetworkTimeout) * time.Second,
		CloseOnPost:       c.CloseOnPost,
		RFC1918Filter:     c.RFC1918Filter,
		WorkingBufferSize: c.WorkingBufferSize,
		LowWaterMark:      c.LowWaterMark,
	}
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
