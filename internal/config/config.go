// Package config loads ApplyTrack settings from defaults, an optional config
// file and APPLYTRACK_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. APPLYTRACK_LOG_LEVEL.
const EnvPrefix = "APPLYTRACK"

// Config is the full application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Log       LogConfig       `mapstructure:"log"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb" validate:"gte=1"`
}

// RemoteConfig points at the cloud database.
type RemoteConfig struct {
	DatabaseURL string `mapstructure:"database_url" validate:"omitempty,url"`
	OwnerID     string `mapstructure:"owner_id" validate:"required_with=DatabaseURL"`
}

// Enabled reports whether a remote source is configured.
func (r RemoteConfig) Enabled() bool {
	return r.DatabaseURL != ""
}

// BackupConfig controls snapshots.
type BackupConfig struct {
	CacheDir        string `mapstructure:"cache_dir"`
	Password        string `mapstructure:"password" validate:"omitempty,min=8"`
	DedupeOnRestore bool   `mapstructure:"dedupe_on_restore"`
	Interval        string `mapstructure:"interval" validate:"oneof=manual hourly daily weekly"`
	Retention       int    `mapstructure:"retention" validate:"gte=0"`
}

// TelemetryConfig controls in-process metrics.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "applytrack")
	}
	return ".applytrack"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("remote.database_url", "")
	v.SetDefault("remote.owner_id", "")
	v.SetDefault("backup.cache_dir", "")
	v.SetDefault("backup.password", "")
	v.SetDefault("backup.dedupe_on_restore", false)
	v.SetDefault("backup.interval", "manual")
	v.SetDefault("backup.retention", 10)
	v.SetDefault("telemetry.enabled", false)
}

// Load reads configuration. path may be empty; a named file that does not
// exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if cfg.Backup.CacheDir == "" {
		cfg.Backup.CacheDir = filepath.Join(cfg.DataDir, "backups")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	return nil
}
