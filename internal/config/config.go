// Package config holds the tunables shared by both tunnel commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/matst80/fstunnel/internal/admission"
	"github.com/matst80/fstunnel/internal/relay"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Role is the side of the tunnel a process runs.
type Role string

const (
	Initiator Role = "initiator"
	Responder Role = "responder"
)

// Config holds all runtime configuration derived from defaults, an optional
// YAML file and flags, in that order.
type Config struct {
	Role Role `yaml:"-"`
	// Host and Port are the listen address for the initiator and the
	// upstream target for the responder.
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	ReadDir        string        `yaml:"read_dir"`
	WriteDir       string        `yaml:"write_dir"`
	FlushSize      int           `yaml:"flush_size"`
	ChunkSize      int           `yaml:"chunk_size"`
	ReadyPoll      time.Duration `yaml:"ready_poll"`
	SegmentPoll    time.Duration `yaml:"segment_poll"`
	Liveness       time.Duration `yaml:"liveness_timeout"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	DeleteInterval time.Duration `yaml:"delete_interval"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Grace          time.Duration `yaml:"shutdown_grace"`

	MetricsAddr string `yaml:"metrics_addr"`
	Debug       bool   `yaml:"debug"`

	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RedisConfig enables the shared admission set on the responder.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RateLimitConfig throttles accepted connections on the initiator.
type RateLimitConfig struct {
	Global    int `yaml:"global"`
	PerSource int `yaml:"per_source"`
	Burst     int `yaml:"burst"`
}

// Defaults returns the configuration for role before any file or flag.
func Defaults(role Role) Config {
	rc := relay.DefaultConfig()
	c := Config{
		Role:           role,
		FlushSize:      rc.FlushSize,
		ChunkSize:      rc.ChunkSize,
		ReadyPoll:      rc.ReadyPoll,
		SegmentPoll:    rc.SegmentPoll,
		Liveness:       rc.Liveness,
		ScanInterval:   50 * time.Millisecond,
		RetryDelay:     500 * time.Millisecond,
		DeleteInterval: 3 * time.Second,
		DialTimeout:    10 * time.Second,
		Grace:          rc.Grace,
		MetricsAddr:    "",
		Redis:          RedisConfig{TTL: 10 * time.Minute},
		RateLimit:      RateLimitConfig{Burst: 10},
	}
	switch role {
	case Responder:
		c.ReadDir, c.WriteDir = "b", "a"
	default:
		c.Host = "127.0.0.1"
		c.ReadDir, c.WriteDir = "a", "b"
	}
	return c
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current values.
func LoadFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the relays cannot run with.
func (c Config) Validate() error {
	if c.ReadDir == "" || c.WriteDir == "" {
		return fmt.Errorf("%w: read and write directories are required", ErrInvalid)
	}
	if filepath.Clean(c.ReadDir) == filepath.Clean(c.WriteDir) {
		return fmt.Errorf("%w: read and write directories must differ", ErrInvalid)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if c.FlushSize <= 0 || c.ChunkSize <= 0 {
		return fmt.Errorf("%w: flush and chunk sizes must be positive", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"ready poll":       c.ReadyPoll,
		"segment poll":     c.SegmentPoll,
		"liveness timeout": c.Liveness,
		"scan interval":    c.ScanInterval,
		"retry delay":      c.RetryDelay,
		"delete interval":  c.DeleteInterval,
		"shutdown grace":   c.Grace,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.RateLimit.Global < 0 || c.RateLimit.PerSource < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", ErrInvalid)
	}
	return nil
}

// Addr is Host and Port joined for net.Dial or net.Listen.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.FormatUint(uint64(c.Port), 10))
}

// Relay returns the relay tuning.
func (c Config) Relay() relay.Config {
	return relay.Config{
		ReadDir:     c.ReadDir,
		WriteDir:    c.WriteDir,
		FlushSize:   c.FlushSize,
		ChunkSize:   c.ChunkSize,
		ReadyPoll:   c.ReadyPoll,
		SegmentPoll: c.SegmentPoll,
		Liveness:    c.Liveness,
		Grace:       c.Grace,
	}
}

// Admission returns the admission set options.
func (c Config) Admission() admission.Options {
	return admission.Options{
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		TTL:           c.Redis.TTL,
	}
}
