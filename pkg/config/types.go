package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Security    SecurityConfig    `yaml:"security"`
	Logging     LoggingConfig     `yaml:"logging"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds the ops listener and data directory settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig tunes the record store. Zero values take the documented
// defaults in ValidateConfig.
type StoreConfig struct {
	// RetentionDays is how long records are kept before cleanup.
	RetentionDays int `yaml:"retention_days"`
	// CleanupInterval gates repeated cleanups; a non-forced cleanup inside
	// this window is a no-op.
	CleanupInterval Duration `yaml:"cleanup_interval"`
	// RotationInterval is how long a write key stays current.
	RotationInterval Duration `yaml:"rotation_interval"`
	// BackupRetention is how long backup snapshots are kept.
	BackupRetention Duration `yaml:"backup_retention"`
	WriteRetries    int      `yaml:"write_retries"`
	WriteBackoff    Duration `yaml:"write_backoff"`
}

// SecurityConfig holds the admin surface settings.
type SecurityConfig struct {
	APIKeys struct {
		Admin []string `yaml:"admin"`
	} `yaml:"api_keys"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string    `yaml:"level"`
	AuditMaxSize SizeBytes `yaml:"audit_max_size"`
}

// MaintenanceConfig drives the scheduled sweep runner.
type MaintenanceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	DryRun  bool   `yaml:"dry_run"`
	// LockTTL controls the lease TTL used when acquiring the sweep lock.
	LockTTL Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration with YAML parsing from strings like
// "100ms", day-granular values like "30d", or plain numbers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	td, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration value: %q", node.Value)
	}
	*d = td
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration parses "300ms"/"24h" style values, "Nd" day values and
// bare numbers interpreted as seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Duration(0), nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if strings.HasSuffix(raw, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(raw, "d")); err == nil {
			return Duration(time.Duration(n) * 24 * time.Hour), nil
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return Duration(0), fmt.Errorf("invalid duration: %q", raw)
}
