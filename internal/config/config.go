// Package config loads the stackup TOML configuration with viper. Every key
// has a default and can be overridden from the environment with the
// STACKUP_ prefix, e.g. STACKUP_PATHS_STATE_FILE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/service"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/stackup/stackup.toml"

// Config represents the top-level TOML structure.
type Config struct {
	Paths      PathsConfig       `toml:"paths" mapstructure:"paths"`
	Log        LogConfig         `toml:"log" mapstructure:"log"`
	History    HistoryConfig     `toml:"history" mapstructure:"history"`
	Pacing     PacingConfig      `toml:"pacing" mapstructure:"pacing"`
	Health     HealthConfig      `toml:"health" mapstructure:"health"`
	Backup     BackupConfig      `toml:"backup" mapstructure:"backup"`
	Preflight  PreflightConfig   `toml:"preflight" mapstructure:"preflight"`
	Policy     PolicyConfig      `toml:"policy" mapstructure:"policy"`
	Service    ServiceConfig     `toml:"service" mapstructure:"service"`
	Installer  InstallerConfig   `toml:"installer" mapstructure:"installer"`
	Metrics    MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig      `toml:"server" mapstructure:"server"`
	Upstream   UpstreamConfig    `toml:"upstream" mapstructure:"upstream"`
	Components []ComponentConfig `toml:"components" mapstructure:"components"`

	// File is the path the configuration was read from, empty for defaults.
	File string `toml:"-" mapstructure:"-"`
}

type PathsConfig struct {
	StateFile  string `toml:"state_file" mapstructure:"state_file"`
	LockFile   string `toml:"lock_file" mapstructure:"lock_file"`
	BackupRoot string `toml:"backup_root" mapstructure:"backup_root"`
	HistoryLog string `toml:"history_log" mapstructure:"history_log"`
	LogDir     string `toml:"log_dir" mapstructure:"log_dir"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	// File receives a rotated JSON copy of the application log.
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	Limit int `toml:"limit" mapstructure:"limit"`
	// DSN selects the optional audit sink.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type PacingConfig struct {
	Safe     time.Duration `toml:"safe" mapstructure:"safe"`
	Standard time.Duration `toml:"standard" mapstructure:"standard"`
	Fast     time.Duration `toml:"fast" mapstructure:"fast"`
}

type HealthConfig struct {
	Attempts int           `toml:"attempts" mapstructure:"attempts"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type BackupConfig struct {
	KeepLast      int           `toml:"keep_last" mapstructure:"keep_last"`
	MaxAge        time.Duration `toml:"max_age" mapstructure:"max_age"`
	PruneSchedule string        `toml:"prune_schedule" mapstructure:"prune_schedule"`
}

type PreflightConfig struct {
	MinFreeMB uint64 `toml:"min_free_mb" mapstructure:"min_free_mb"`
}

type PolicyConfig struct {
	FailureThreshold float64 `toml:"failure_threshold" mapstructure:"failure_threshold"`
	AutoRestore      bool    `toml:"auto_restore" mapstructure:"auto_restore"`
}

type ServiceConfig struct {
	Backend string `toml:"backend" mapstructure:"backend"`
}

// InstallerConfig controls the external install routines. Env, EnvFiles and
// UseOSEnv build the environment they run with.
type InstallerConfig struct {
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool          `toml:"use_os_env" mapstructure:"use_os_env"`
}

type MetricsConfig struct {
	// Textfile is a node_exporter textfile collector path.
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type UpstreamConfig struct {
	GitHubToken string        `toml:"github_token" mapstructure:"github_token"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ComponentConfig struct {
	Name            string `toml:"name" mapstructure:"name"`
	Phase           int    `toml:"phase" mapstructure:"phase"`
	Risk            string `toml:"risk" mapstructure:"risk"`
	TargetVersion   string `toml:"target_version" mapstructure:"target_version"`
	Binary          string `toml:"binary" mapstructure:"binary"`
	ConfigDir       string `toml:"config_dir" mapstructure:"config_dir"`
	Unit            string `toml:"unit" mapstructure:"unit"`
	Service         string `toml:"service" mapstructure:"service"`
	Installer       string `toml:"installer" mapstructure:"installer"`
	VersionCommand  string `toml:"version_command" mapstructure:"version_command"`
	HealthURL       string `toml:"health_url" mapstructure:"health_url"`
	HealthAuthority bool   `toml:"health_authority" mapstructure:"health_authority"`
	Repository      string `toml:"repository" mapstructure:"repository"`
	MinFreeMB       uint64 `toml:"min_free_mb" mapstructure:"min_free_mb"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.state_file", "/var/lib/stackup/state.json")
	v.SetDefault("paths.lock_file", "/var/lib/stackup/stackup.lock")
	v.SetDefault("paths.backup_root", "/var/lib/stackup/backups")
	v.SetDefault("paths.history_log", "/var/lib/stackup/history.jsonl")
	v.SetDefault("paths.log_dir", "/var/log/stackup")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.limit", 20)
	v.SetDefault("history.dsn", "")

	v.SetDefault("pacing.safe", "30s")
	v.SetDefault("pacing.standard", "10s")
	v.SetDefault("pacing.fast", "0s")

	v.SetDefault("health.attempts", 6)
	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.timeout", "3s")

	v.SetDefault("backup.keep_last", 5)
	v.SetDefault("backup.max_age", "0s")
	v.SetDefault("backup.prune_schedule", "")

	v.SetDefault("preflight.min_free_mb", 500)

	v.SetDefault("policy.failure_threshold", 0.0)
	v.SetDefault("policy.auto_restore", false)

	v.SetDefault("service.backend", string(service.BackendAuto))

	v.SetDefault("installer.timeout", "30m")
	v.SetDefault("installer.use_os_env", false)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.listen", "127.0.0.1:9184")
	v.SetDefault("upstream.github_token", "")
	v.SetDefault("upstream.timeout", "10s")
}

// Load reads path (TOML) over the defaults and applies STACKUP_ environment
// overrides. An empty path loads defaults only. Errors carry CodeValidation.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &errs.Error{
				Code: errs.CodeValidation,
				Msg:  "read config " + path,
				Hint: "check the file exists and is valid TOML",
				Err:  err,
			}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "decode config %s", path)
	}
	c.File = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values the rest of the program relies on.
func (c *Config) Validate() error {
	agg := errs.NewAggregate(errs.CodeValidation, "invalid configuration")
	if c.Paths.StateFile == "" {
		agg.Add(fmt.Errorf("paths.state_file is required"))
	}
	if c.Paths.LockFile == "" {
		agg.Add(fmt.Errorf("paths.lock_file is required"))
	}
	if c.Paths.BackupRoot == "" {
		agg.Add(fmt.Errorf("paths.backup_root is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		agg.Add(fmt.Errorf("log.level: %w", err))
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		agg.Add(fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format))
	}
	if c.History.Limit < 0 {
		agg.Add(fmt.Errorf("history.limit must not be negative"))
	}
	if c.Pacing.Safe < 0 || c.Pacing.Standard < 0 || c.Pacing.Fast < 0 {
		agg.Add(fmt.Errorf("pacing durations must not be negative"))
	}
	if c.Health.Attempts < 1 {
		agg.Add(fmt.Errorf("health.attempts must be at least 1"))
	}
	if c.Backup.KeepLast < 0 || c.Backup.MaxAge < 0 {
		agg.Add(fmt.Errorf("backup retention values must not be negative"))
	}
	if t := c.Policy.FailureThreshold; t < 0 || t > 1 {
		agg.Add(fmt.Errorf("policy.failure_threshold must be within [0,1] (got %v)", t))
	}
	switch service.Backend(c.Service.Backend) {
	case "", service.BackendAuto, service.BackendSystemd, service.BackendSystemctl:
	default:
		agg.Add(fmt.Errorf("service.backend must be auto, systemd or systemctl (got %q)", c.Service.Backend))
	}
	if _, err := c.Registry(); err != nil {
		agg.Add(err)
	}
	return agg.Err()
}

// Definitions converts the [[components]] entries.
func (c *Config) Definitions() []component.Definition {
	defs := make([]component.Definition, 0, len(c.Components))
	for _, cc := range c.Components {
		defs = append(defs, component.Definition{
			Name:            cc.Name,
			Phase:           component.Phase(cc.Phase),
			Risk:            component.Risk(strings.ToLower(cc.Risk)),
			TargetVersion:   cc.TargetVersion,
			Service:         cc.Service,
			Binary:          cc.Binary,
			ConfigDir:       cc.ConfigDir,
			Unit:            cc.Unit,
			Installer:       cc.Installer,
			VersionCommand:  cc.VersionCommand,
			HealthURL:       cc.HealthURL,
			HealthAuthority: cc.HealthAuthority,
			Repository:      cc.Repository,
			MinFreeMB:       cc.MinFreeMB,
		})
	}
	return defs
}

// Registry builds the validated component registry.
func (c *Config) Registry() (*component.Registry, error) {
	return component.NewRegistry(c.Definitions()...)
}

// Logger returns the logging configuration.
func (c *Config) Logger() logger.Config {
	lc := logger.DefaultConfig()
	lc.Slog.Level = logger.Level(strings.ToLower(c.Log.Level))
	lc.Slog.Format = logger.Format(c.Log.Format)
	lc.Slog.Color = c.Log.Color
	lc.Slog.TimeStamps = c.Log.TimeStamps
	lc.Slog.Source = c.Log.Source
	lc.Slog.Path = c.Log.File
	lc.File = logger.FileConfig{
		Dir:        c.Paths.LogDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
	return lc
}

// InstallerEnv merges the installer environment. Precedence: OS env (when
// use_os_env is set) provides the base; env_files apply in order; the env
// list overrides last. The result is sorted by key.
func (c *Config) InstallerEnv() ([]string, error) {
	m := make(map[string]string)
	if c.Installer.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.Installer.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeValidation, "installer.env_files")
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Installer.Env {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, errs.New(errs.CodeValidation, "installer.env entry %q is not KEY=VALUE", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	// #nosec G304
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
