package config

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Defaults applied by ValidateConfig.
const (
	defaultRetentionDays    = 30
	defaultCleanupInterval  = 24 * time.Hour
	defaultRotationInterval = 30 * 24 * time.Hour
	defaultBackupRetention  = 7 * 24 * time.Hour
	defaultWriteRetries     = 3
	defaultWriteBackoff     = 100 * time.Millisecond
	defaultMaintenanceCron  = "0 3 * * *" // daily at 03:00
	defaultLockTTL          = 300 * time.Second
	defaultRateRPS          = 5
	defaultRateBurst        = 10
)

// ValidateConfig applies defaults and fails fast on critical errors. It
// mutates the effective config in place.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}

	// data dir must be present
	if eff.DataDir == "" {
		return fmt.Errorf("data directory is empty: set --data flag, TRIAGEDB_DATA_DIR env, or server.data_dir in config")
	}

	// store defaults
	st := &cfg.Store
	if st.RetentionDays <= 0 {
		st.RetentionDays = defaultRetentionDays
	}
	if st.CleanupInterval.Duration() <= 0 {
		st.CleanupInterval = Duration(defaultCleanupInterval)
	}
	if st.RotationInterval.Duration() <= 0 {
		st.RotationInterval = Duration(defaultRotationInterval)
	}
	if st.BackupRetention.Duration() <= 0 {
		st.BackupRetention = Duration(defaultBackupRetention)
	}
	if st.WriteRetries <= 0 {
		st.WriteRetries = defaultWriteRetries
	}
	if st.WriteBackoff.Duration() <= 0 {
		st.WriteBackoff = Duration(defaultWriteBackoff)
	}

	// admin surface defaults
	if cfg.Security.RateLimit.RPS <= 0 {
		cfg.Security.RateLimit.RPS = defaultRateRPS
	}
	if cfg.Security.RateLimit.Burst <= 0 {
		cfg.Security.RateLimit.Burst = defaultRateBurst
	}

	// maintenance defaults
	if cfg.Maintenance.LockTTL.Duration() <= 0 {
		cfg.Maintenance.LockTTL = Duration(defaultLockTTL)
	}
	if cfg.Maintenance.Cron == "" {
		cfg.Maintenance.Cron = defaultMaintenanceCron
	}
	if !gronx.IsValid(cfg.Maintenance.Cron) {
		return fmt.Errorf("invalid maintenance cron expression: %s", cfg.Maintenance.Cron)
	}

	return nil
}
