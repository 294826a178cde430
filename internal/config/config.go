// Package config loads docsync settings from defaults, a config file,
// DOCSYNC_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/docsync/internal/changes"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/replication"
)

// EnvPrefix prefixes every environment variable: replication.continuous is
// read from DOCSYNC_REPLICATION_CONTINUOUS.
const EnvPrefix = "DOCSYNC"

// FileName is the config file base name searched for, with any extension
// viper supports (docsync.toml, docsync.yaml, ...).
const FileName = "docsync"

// ErrInvalid is returned for settings that parse but make no sense.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of docsync settings.
type Config struct {
	// DB is the path of the local store.
	DB string `mapstructure:"db"`

	// Verbose enables debug logging in every component.
	Verbose bool `mapstructure:"verbose"`

	Log         LogConfig         `mapstructure:"log"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Watch       WatchConfig       `mapstructure:"watch"`
}

// LogConfig controls where log output goes.
type LogConfig struct {
	// File, when set, receives log output with size-based rotation.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`

	// Stderr also writes to stderr when File is set.
	Stderr bool `mapstructure:"stderr"`
}

// ReplicationConfig holds the replication parameters.
type ReplicationConfig struct {
	Continuous      bool              `mapstructure:"continuous"`
	Feed            string            `mapstructure:"feed"`
	Filter          string            `mapstructure:"filter"`
	FilterParams    map[string]string `mapstructure:"filter_params"`
	Channels        []string          `mapstructure:"channels"`
	DocIDs          []string          `mapstructure:"doc_ids"`
	CreateTarget    bool              `mapstructure:"create_target"`
	SkipAttachments bool              `mapstructure:"skip_attachments"`
	UsePOST         bool              `mapstructure:"use_post"`
	InlineThreshold int64             `mapstructure:"inline_threshold"`
	BatchSize       int               `mapstructure:"batch_size"`
	MaxConnections  int               `mapstructure:"max_connections"`
	MaxRetries      int               `mapstructure:"max_retries"`

	Heartbeat          time.Duration `mapstructure:"heartbeat"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	// Username and Password send basic auth; Token sends a bearer token.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`

	// Headers are sent with every request. Keys come back lower-cased from
	// viper, as do FilterParams keys.
	Headers map[string]string `mapstructure:"headers"`
}

// DashboardConfig controls the status dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// WatchConfig controls the directory importer.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	opts := replication.DefaultOptions()
	return &Config{
		DB: "docsync.db",
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Replication: ReplicationConfig{
			Feed:               changes.LongPoll.String(),
			FilterParams:       map[string]string{},
			Channels:           []string{},
			DocIDs:             []string{},
			InlineThreshold:    opts.InlineThreshold,
			BatchSize:          opts.BatchSize,
			MaxConnections:     opts.MaxConnections,
			MaxRetries:         opts.MaxRetries,
			Heartbeat:          opts.Heartbeat,
			CheckpointInterval: opts.CheckpointInterval,
			Headers:            map[string]string{},
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 5986,
		},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
		},
	}
}

// New returns a viper instance with defaults registered and environment
// lookup enabled. Flags are bound by the caller with BindPFlag.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every setting of Defaults with v. Keys must be
// known to viper for environment variables to be picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	for key, value := range Map(Defaults()) {
		v.SetDefault(key, value)
	}
}

// Load reads the config file, if any, and returns the merged settings.
// An explicit path must exist; without one, docsync.* is looked up in the
// working directory and then in the user config directory.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "docsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be checked by decoding.
func (c *Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("%w: db path is empty", ErrInvalid)
	}
	if _, ok := changes.ParseMode(c.Replication.Feed); !ok {
		return fmt.Errorf("%w: unknown feed %q", ErrInvalid, c.Replication.Feed)
	}
	if c.Replication.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be at least 1", ErrInvalid)
	}
	if c.Replication.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1", ErrInvalid)
	}
	if c.Replication.Token != "" && c.Replication.Username != "" {
		return fmt.Errorf("%w: token and username are mutually exclusive", ErrInvalid)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("%w: dashboard port %d out of range", ErrInvalid, c.Dashboard.Port)
	}
	return nil
}

// ReplicationOptions converts the replication settings. Fields that have no
// setting keep replication.DefaultOptions values.
func (c *Config) ReplicationOptions() (replication.Options, error) {
	rc := c.Replication
	opts := replication.DefaultOptions()

	mode, ok := changes.ParseMode(rc.Feed)
	if !ok {
		return opts, fmt.Errorf("%w: unknown feed %q", ErrInvalid, rc.Feed)
	}

	opts.Continuous = rc.Continuous
	opts.FeedMode = mode
	opts.Filter = rc.Filter
	opts.FilterParams = rc.FilterParams
	opts.Channels = rc.Channels
	opts.DocIDs = rc.DocIDs
	opts.CreateTarget = rc.CreateTarget
	opts.SkipAttachments = rc.SkipAttachments
	opts.UsePOST = rc.UsePOST
	opts.Headers = rc.Headers
	opts.Verbose = c.Verbose

	if rc.InlineThreshold > 0 {
		opts.InlineThreshold = rc.InlineThreshold
	}
	if rc.BatchSize > 0 {
		opts.BatchSize = rc.BatchSize
	}
	if rc.MaxConnections > 0 {
		opts.MaxConnections = rc.MaxConnections
	}
	if rc.MaxRetries > 0 {
		opts.MaxRetries = rc.MaxRetries
	}
	if rc.Heartbeat > 0 {
		opts.Heartbeat = rc.Heartbeat
	}
	if rc.CheckpointInterval > 0 {
		opts.CheckpointInterval = rc.CheckpointInterval
	}

	switch {
	case rc.Token != "":
		opts.Authenticator = remote.BearerToken(rc.Token)
	case rc.Username != "":
		opts.Authenticator = remote.BasicAuth{Username: rc.Username, Password: rc.Password}
	}

	return opts, nil
}

// Map flattens c into dotted viper keys. Durations are rendered as strings
// ("30s") so the result can be written to a config file.
func Map(c *Config) map[string]any {
	return map[string]any{
		"db":      c.DB,
		"verbose": c.Verbose,

		"log.file":         c.Log.File,
		"log.max_size_mb":  c.Log.MaxSizeMB,
		"log.max_backups":  c.Log.MaxBackups,
		"log.max_age_days": c.Log.MaxAgeDays,
		"log.compress":     c.Log.Compress,
		"log.stderr":       c.Log.Stderr,

		"replication.continuous":          c.Replication.Continuous,
		"replication.feed":                c.Replication.Feed,
		"replication.filter":              c.Replication.Filter,
		"replication.filter_params":       c.Replication.FilterParams,
		"replication.channels":            c.Replication.Channels,
		"replication.doc_ids":             c.Replication.DocIDs,
		"replication.create_target":       c.Replication.CreateTarget,
		"replication.skip_attachments":    c.Replication.SkipAttachments,
		"replication.use_post":            c.Replication.UsePOST,
		"replication.inline_threshold":    c.Replication.InlineThreshold,
		"replication.batch_size":          c.Replication.BatchSize,
		"replication.max_connections":     c.Replication.MaxConnections,
		"replication.max_retries":         c.Replication.MaxRetries,
		"replication.heartbeat":           c.Replication.Heartbeat.String(),
		"replication.checkpoint_interval": c.Replication.CheckpointInterval.String(),
		"replication.username":            c.Replication.Username,
		"replication.password":            c.Replication.Password,
		"replication.token":               c.Replication.Token,
		"replication.headers":             c.Replication.Headers,

		"dashboard.enabled": c.Dashboard.Enabled,
		"dashboard.host":    c.Dashboard.Host,
		"dashboard.port":    c.Dashboard.Port,

		"watch.debounce": c.Watch.Debounce.String(),
	}
}
