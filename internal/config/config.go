package config

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RabbitMQ struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// Engine holds the lifecycle tuning knobs. Zero values are replaced with
// the recommended defaults on load.
type Engine struct {
	SessionExpiry     time.Duration `yaml:"-"` // heartbeat staleness before a sweep removes the session
	SweepInterval     time.Duration `yaml:"-"` // how often the background sweeper runs
	HeartbeatInterval time.Duration `yaml:"-"` // client heartbeat period
	DebounceWindow    time.Duration `yaml:"-"` // sync-loop refetch coalescing window
	OrderFreezeAge    time.Duration `yaml:"-"` // orders older than this are frozen for non-owners
	RequestTimeout    time.Duration `yaml:"-"` // client-side mutation timeout
}

// UnmarshalYAML reads the durations in time.ParseDuration form ("90s",
// "5m"), which yaml.v3 will not do for time.Duration on its own.
func (e *Engine) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		SessionExpiry     string `yaml:"session_expiry"`
		SweepInterval     string `yaml:"sweep_interval"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		DebounceWindow    string `yaml:"debounce_window"`
		OrderFreezeAge    string `yaml:"order_freeze_age"`
		RequestTimeout    string `yaml:"request_timeout"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"session_expiry", raw.SessionExpiry, &e.SessionExpiry},
		{"sweep_interval", raw.SweepInterval, &e.SweepInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &e.HeartbeatInterval},
		{"debounce_window", raw.DebounceWindow, &e.DebounceWindow},
		{"order_freeze_age", raw.OrderFreezeAge, &e.OrderFreezeAge},
		{"request_timeout", raw.RequestTimeout, &e.RequestTimeout},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("engine.%s: %w", f.name, err)
		}
		*f.out = d
	}
	return nil
}

type Config struct {
	Database Database `yaml:"database"`
	RabbitMQ RabbitMQ `yaml:"rabbitmq"`
	Engine   Engine   `yaml:"engine"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if cfg.Database.Host == "" || cfg.RabbitMQ.Host == "" {
		return nil, fmt.Errorf("invalid config %s: missing database/rabbitmq host", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	e := &c.Engine
	if e.SessionExpiry == 0 {
		e.SessionExpiry = 5 * time.Minute
	}
	if e.SweepInterval == 0 {
		e.SweepInterval = time.Minute
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 30 * time.Second
	}
	if e.DebounceWindow == 0 {
		e.DebounceWindow = 500 * time.Millisecond
	}
	if e.OrderFreezeAge == 0 {
		e.OrderFreezeAge = 24 * time.Hour
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = 10 * time.Second
	}
}

// FindConfig checks the conventional locations.
func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
