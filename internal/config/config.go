package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	pmerrors "pmdash/internal/errors"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// Config represents the complete pmdash configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Correlation CorrelationConfig `json:"correlation" mapstructure:"correlation"`
	Audit       AuditConfig       `json:"audit" mapstructure:"audit"`
	Sync        SyncConfig        `json:"sync" mapstructure:"sync"`
	Watcher     WatcherConfig     `json:"watcher" mapstructure:"watcher"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// CorrelationConfig tunes the extractor, matcher and scorer
type CorrelationConfig struct {
	FanoutLimit   int      `json:"fanoutLimit" mapstructure:"fanoutLimit"`
	CandidateCap  int      `json:"candidateCap" mapstructure:"candidateCap"`
	Workers       int      `json:"workers" mapstructure:"workers"`
	GenericTokens []string `json:"genericTokens" mapstructure:"genericTokens"`
	MappingsFile  string   `json:"mappingsFile" mapstructure:"mappingsFile"`
}

// AuditConfig holds the defaults for the link audit
type AuditConfig struct {
	PrimaryFloor float64 `json:"primaryFloor" mapstructure:"primaryFloor"`
	FanoutFloor  int     `json:"fanoutFloor" mapstructure:"fanoutFloor"`
	Limit        int     `json:"limit" mapstructure:"limit"`
}

// SyncConfig controls operation bookkeeping
type SyncConfig struct {
	StaleAfterSeconds     int  `json:"staleAfterSeconds" mapstructure:"staleAfterSeconds"`
	HistoryRetentionHours int  `json:"historyRetentionHours" mapstructure:"historyRetentionHours"`
	GitEnrichment         bool `json:"gitEnrichment" mapstructure:"gitEnrichment"`
}

// WatcherConfig contains file watcher configuration
type WatcherConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	DebounceMs     int      `json:"debounceMs" mapstructure:"debounceMs"`
	IgnorePatterns []string `json:"ignorePatterns" mapstructure:"ignorePatterns"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	MaxSize    string `json:"maxSize" mapstructure:"maxSize"`       // e.g. "10MB"; empty disables rotation
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"` // rotated files to keep
	Sync       string `json:"sync" mapstructure:"sync"`             // subsystem override
	Watch      string `json:"watch" mapstructure:"watch"`           // subsystem override
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Correlation: CorrelationConfig{
			FanoutLimit:   10,
			CandidateCap:  200,
			Workers:       4,
			GenericTokens: []string{},
			MappingsFile:  ".pmdash/mappings.toml",
		},
		Audit: AuditConfig{
			PrimaryFloor: 0.55,
			FanoutFloor:  10,
			Limit:        100,
		},
		Sync: SyncConfig{
			StaleAfterSeconds:     900,
			HistoryRetentionHours: 720,
			GitEnrichment:         true,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 1500,
			IgnorePatterns: []string{
				"*.tmp",
				"*.swp",
				".git/**",
				".pmdash/**",
				"node_modules/**",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from .pmdash/config.json.
// Missing keys keep their defaults; PMDASH_* environment variables override file values.
func LoadConfig(projectRoot string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(projectRoot, ".pmdash"))

	v.SetEnvPrefix("PMDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every default so viper can unmarshal partial files and env overrides.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)

	v.SetDefault("correlation.fanoutLimit", d.Correlation.FanoutLimit)
	v.SetDefault("correlation.candidateCap", d.Correlation.CandidateCap)
	v.SetDefault("correlation.workers", d.Correlation.Workers)
	v.SetDefault("correlation.genericTokens", d.Correlation.GenericTokens)
	v.SetDefault("correlation.mappingsFile", d.Correlation.MappingsFile)

	v.SetDefault("audit.primaryFloor", d.Audit.PrimaryFloor)
	v.SetDefault("audit.fanoutFloor", d.Audit.FanoutFloor)
	v.SetDefault("audit.limit", d.Audit.Limit)

	v.SetDefault("sync.staleAfterSeconds", d.Sync.StaleAfterSeconds)
	v.SetDefault("sync.historyRetentionHours", d.Sync.HistoryRetentionHours)
	v.SetDefault("sync.gitEnrichment", d.Sync.GitEnrichment)

	v.SetDefault("watcher.enabled", d.Watcher.Enabled)
	v.SetDefault("watcher.debounceMs", d.Watcher.DebounceMs)
	v.SetDefault("watcher.ignorePatterns", d.Watcher.IgnorePatterns)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
	v.SetDefault("logging.sync", d.Logging.Sync)
	v.SetDefault("logging.watch", d.Logging.Watch)
}

// Save writes the configuration to .pmdash/config.json
func (c *Config) Save(projectRoot string) error {
	dir := filepath.Join(projectRoot, ".pmdash")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return invalid("version", "unsupported config version")
	}
	if c.Correlation.FanoutLimit < 1 {
		return invalid("correlation.fanoutLimit", "must be at least 1")
	}
	if c.Correlation.CandidateCap < 1 {
		return invalid("correlation.candidateCap", "must be at least 1")
	}
	if c.Correlation.Workers < 1 {
		return invalid("correlation.workers", "must be at least 1")
	}
	if c.Audit.PrimaryFloor <= 0 || c.Audit.PrimaryFloor > 1 {
		return invalid("audit.primaryFloor", "must be in (0, 1]")
	}
	if c.Audit.FanoutFloor < 1 {
		return invalid("audit.fanoutFloor", "must be at least 1")
	}
	if c.Sync.StaleAfterSeconds < 1 {
		return invalid("sync.staleAfterSeconds", "must be positive")
	}
	return nil
}

// StaleAfter returns the age after which a running operation is considered orphaned.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Sync.StaleAfterSeconds) * time.Second
}

// HistoryRetention returns how long finished operations are kept.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.Sync.HistoryRetentionHours) * time.Hour
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

func invalid(field, message string) error {
	return pmerrors.New(pmerrors.ConfigInvalid, "invalid configuration", &ConfigError{Field: field, Message: message})
}
