package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	Data   string
	Config string
	Set    map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	AdminKeys map[string]struct{}
	EnvUsed   bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config  *Config
	Addr    string
	DataDir string
	Source  string // "flags", "config", or "env"
}

// ParseConfigFlags parses command-line flags and returns them as a Flags
// struct. Only the three primary knobs are flags; everything else comes
// from the config file or environment.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8321", "ops listener address")
	dataPtr := flag.String("data", "./.triagedb", "store base directory")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, Data: *dataPtr, Config: *cfgPtr, Set: setFlags}
}

// ParseConfigFile loads config from file, returning config, found bool and error.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "config file not found") {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs loads environment variables into a new Config and returns
// it with an EnvResult; the caller's config is unchanged.
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := map[string]string{
		"SERVER_ADDR":    os.Getenv("TRIAGEDB_SERVER_ADDR"),
		"ADDR":           os.Getenv("TRIAGEDB_ADDR"),
		"SERVER_ADDRESS": os.Getenv("TRIAGEDB_SERVER_ADDRESS"),
		"SERVER_PORT":    os.Getenv("TRIAGEDB_SERVER_PORT"),
		"DATA_DIR":       os.Getenv("TRIAGEDB_DATA_DIR"),

		// store tuning
		"RETENTION_DAYS":    os.Getenv("TRIAGEDB_RETENTION_DAYS"),
		"CLEANUP_INTERVAL":  os.Getenv("TRIAGEDB_CLEANUP_INTERVAL"),
		"ROTATION_INTERVAL": os.Getenv("TRIAGEDB_ROTATION_INTERVAL"),
		"BACKUP_RETENTION":  os.Getenv("TRIAGEDB_BACKUP_RETENTION"),
		"WRITE_RETRIES":     os.Getenv("TRIAGEDB_WRITE_RETRIES"),
		"WRITE_BACKOFF":     os.Getenv("TRIAGEDB_WRITE_BACKOFF"),

		// admin surface
		"API_ADMIN_KEYS": os.Getenv("TRIAGEDB_API_ADMIN_KEYS"),
		"RATE_RPS":       os.Getenv("TRIAGEDB_RATE_RPS"),
		"RATE_BURST":     os.Getenv("TRIAGEDB_RATE_BURST"),

		// logging
		"LOG_LEVEL":      os.Getenv("TRIAGEDB_LOG_LEVEL"),
		"AUDIT_MAX_SIZE": os.Getenv("TRIAGEDB_AUDIT_MAX_SIZE"),

		// maintenance sweeps
		"MAINTENANCE_ENABLED":  os.Getenv("TRIAGEDB_MAINTENANCE_ENABLED"),
		"MAINTENANCE_CRON":     os.Getenv("TRIAGEDB_MAINTENANCE_CRON"),
		"MAINTENANCE_DRY_RUN":  os.Getenv("TRIAGEDB_MAINTENANCE_DRY_RUN"),
		"MAINTENANCE_LOCK_TTL": os.Getenv("TRIAGEDB_MAINTENANCE_LOCK_TTL"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	parseSizeBytes := func(v string) SizeBytes {
		if strings.TrimSpace(v) == "" {
			return SizeBytes(0)
		}
		if u, err := humanize.ParseBytes(v); err == nil {
			return SizeBytes(u)
		}
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return SizeBytes(i)
		}
		return SizeBytes(0)
	}

	parseDur := func(v string) Duration {
		d, err := ParseDuration(v)
		if err != nil {
			return Duration(0)
		}
		return d
	}

	// address variables, most specific first
	if v := envs["SERVER_ADDR"]; v != "" {
		applyAddr(envCfg, v)
	} else if v := envs["ADDR"]; v != "" {
		applyAddr(envCfg, v)
	} else {
		if host := envs["SERVER_ADDRESS"]; host != "" {
			envCfg.Server.Address = host
		}
		if port := envs["SERVER_PORT"]; port != "" {
			if pi, err := strconv.Atoi(port); err == nil {
				envCfg.Server.Port = pi
			}
		}
	}

	if v := envs["DATA_DIR"]; v != "" {
		envCfg.Server.DataDir = v
	}

	// store tuning
	if v := envs["RETENTION_DAYS"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Store.RetentionDays = n
		}
	}
	if v := envs["CLEANUP_INTERVAL"]; v != "" {
		envCfg.Store.CleanupInterval = parseDur(v)
	}
	if v := envs["ROTATION_INTERVAL"]; v != "" {
		envCfg.Store.RotationInterval = parseDur(v)
	}
	if v := envs["BACKUP_RETENTION"]; v != "" {
		envCfg.Store.BackupRetention = parseDur(v)
	}
	if v := envs["WRITE_RETRIES"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Store.WriteRetries = n
		}
	}
	if v := envs["WRITE_BACKOFF"]; v != "" {
		envCfg.Store.WriteBackoff = parseDur(v)
	}

	// admin surface
	if v := envs["API_ADMIN_KEYS"]; v != "" {
		envCfg.Security.APIKeys.Admin = parseList(v)
	}
	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Security.RateLimit.RPS = f
		}
	}
	if v := envs["RATE_BURST"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Security.RateLimit.Burst = n
		}
	}

	// logging
	if v := envs["LOG_LEVEL"]; v != "" {
		envCfg.Logging.Level = strings.TrimSpace(v)
	}
	if v := envs["AUDIT_MAX_SIZE"]; v != "" {
		envCfg.Logging.AuditMaxSize = parseSizeBytes(v)
	}

	// maintenance sweeps
	if v := envs["MAINTENANCE_ENABLED"]; v != "" {
		envCfg.Maintenance.Enabled = parseBool(v)
	}
	if v := envs["MAINTENANCE_CRON"]; v != "" {
		envCfg.Maintenance.Cron = v
	}
	if v := envs["MAINTENANCE_DRY_RUN"]; v != "" {
		envCfg.Maintenance.DryRun = parseBool(v)
	}
	if v := envs["MAINTENANCE_LOCK_TTL"]; v != "" {
		envCfg.Maintenance.LockTTL = parseDur(v)
	}

	adminKeys := make(map[string]struct{})
	for _, k := range envCfg.Security.APIKeys.Admin {
		adminKeys[k] = struct{}{}
	}

	return envCfg, EnvResult{AdminKeys: adminKeys, EnvUsed: envUsed}
}

func applyAddr(cfg *Config, v string) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		cfg.Server.Address = h
		if pi, err := strconv.Atoi(p); err == nil {
			cfg.Server.Port = pi
		}
	} else {
		cfg.Server.Address = v
	}
}

// LoadEffectiveConfig decides which single source to use (flags, config
// file, or env) and returns the effective config plus the resolved addr and
// data dir. If --config is set, only the config file is used; otherwise
// flags if set; else config file if present; else env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DataDir = fileCfg.Server.DataDir
		res.Source = "config"
		return res, nil
	}

	if flags.Set["addr"] || flags.Set["data"] {
		addr := flags.Addr
		if !flags.Set["addr"] {
			addr = envCfg.Addr()
			if addr == "" {
				addr = fileCfg.Addr()
			}
		}
		dataDir := flags.Data
		if !flags.Set["data"] {
			if p := strings.TrimSpace(envCfg.Server.DataDir); p != "" {
				dataDir = p
			} else if p := strings.TrimSpace(fileCfg.Server.DataDir); p != "" {
				dataDir = p
			}
		}
		out := &Config{}
		out.Server.Address = addr
		out.Server.Port = parsePortFromAddr(addr)
		out.Server.DataDir = dataDir
		res.Config = out
		res.Addr = addr
		res.DataDir = dataDir
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DataDir = fileCfg.Server.DataDir
		res.Source = "config"
		return res, nil
	}
	res.Config = envCfg
	res.Addr = envCfg.Addr()
	res.DataDir = envCfg.Server.DataDir
	res.Source = "env"
	return res, nil
}

// extracts port integer from host:port string
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}
