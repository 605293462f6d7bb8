// Package config loads jouster.toml.
//
// Values come from, in increasing priority: DefaultConfig, the config file,
// and JOUSTER_* environment variables (JOUSTER_STORE_TABLE overrides
// store.table). Durations are written as Go duration strings ("10s").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beffjarker/jouster/internal/history/db"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// FileName is the config file looked up in the search path.
const FileName = "jouster.toml"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "JOUSTER"

// Config is the top-level structure for jouster.toml.
type Config struct {
	Archive ArchiveConfig `mapstructure:"archive"`
	Store   StoreConfig   `mapstructure:"store"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`

	// Source is the file the config was read from, empty when only
	// defaults and the environment applied.
	Source string `mapstructure:"-"`
}

// ArchiveConfig locates the local session files.
type ArchiveConfig struct {
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

// StoreConfig configures the DynamoDB client.
type StoreConfig struct {
	Table            string        `mapstructure:"table"`
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"` // e.g. http://localhost:8000 for DynamoDB Local
	Profile          string        `mapstructure:"profile"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BillingMode      string        `mapstructure:"billing_mode"`
	ReadCapacity     int64         `mapstructure:"read_capacity"`
	WriteCapacity    int64         `mapstructure:"write_capacity"`
	ProvisionRetries uint          `mapstructure:"provision_retries"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Ledger          string  `mapstructure:"ledger"`
	AutoProvision   bool    `mapstructure:"auto_provision"`
	WritesPerSecond float64 `mapstructure:"writes_per_second"`
	Verify          bool    `mapstructure:"verify"`
}

// DaemonConfig controls the file watcher.
type DaemonConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LogConfig controls the process log. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Verbose    bool   `mapstructure:"verbose"`
}

// DefaultConfig returns a Config populated with defaults for a local
// DynamoDB endpoint.
func DefaultConfig() *Config {
	store := db.DefaultConfig()
	return &Config{
		Archive: ArchiveConfig{
			Dir:     "conversation-history",
			Pattern: schema.FilePattern,
		},
		Store: StoreConfig{
			Table:            store.Table,
			Region:           store.Region,
			OperationTimeout: store.OperationTimeout,
			ProbeTimeout:     store.ProbeTimeout,
			ProvisionTimeout: store.ProvisionTimeout,
			MaxAttempts:      store.MaxAttempts,
			BillingMode:      store.BillingMode,
			ReadCapacity:     store.ReadCapacity,
			WriteCapacity:    store.WriteCapacity,
			ProvisionRetries: store.ProvisionRetries,
		},
		Sync: SyncConfig{
			Ledger:        filepath.Join(".jouster", "ledger.db"),
			AutoProvision: true,
		},
		Daemon: DaemonConfig{
			Debounce:      250 * time.Millisecond,
			RetryInterval: time.Minute,
		},
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// SearchPaths returns the directories searched for FileName, in order.
func SearchPaths() []string {
	paths := []string{"."}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "jouster"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jouster"))
	}
	return paths
}

// Load reads the configuration. If path is empty the search path is used
// and a missing file is not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults keys viper already knows about.
	for key, value := range flatten("", DefaultConfig().values()) {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Archive.Dir) == "" {
		errs = append(errs, errors.New("archive.dir must not be empty"))
	}
	if _, err := filepath.Match(c.Archive.Pattern, "conversation-x.json"); err != nil {
		errs = append(errs, fmt.Errorf("archive.pattern: %w", err))
	}
	if strings.TrimSpace(c.Store.Table) == "" {
		errs = append(errs, errors.New("store.table must not be empty"))
	}
	switch c.Store.BillingMode {
	case db.BillingPayPerRequest:
	case db.BillingProvisioned:
		if c.Store.ReadCapacity <= 0 || c.Store.WriteCapacity <= 0 {
			errs = append(errs, errors.New("store.read_capacity and store.write_capacity must be positive for PROVISIONED tables"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.billing_mode %q is not %s or %s",
			c.Store.BillingMode, db.BillingPayPerRequest, db.BillingProvisioned))
	}
	if (c.Store.AccessKeyID == "") != (c.Store.SecretAccessKey == "") {
		errs = append(errs, errors.New("store.access_key_id and store.secret_access_key must be set together"))
	}

	durations := map[string]time.Duration{
		"store.operation_timeout": c.Store.OperationTimeout,
		"store.probe_timeout":     c.Store.ProbeTimeout,
		"store.provision_timeout": c.Store.ProvisionTimeout,
		"daemon.debounce":         c.Daemon.Debounce,
		"daemon.retry_interval":   c.Daemon.RetryInterval,
		"server.request_timeout":  c.Server.RequestTimeout,
	}
	for _, key := range sortedKeys(durations) {
		if durations[key] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if c.Store.MaxAttempts < 0 {
		errs = append(errs, errors.New("store.max_attempts must not be negative"))
	}
	if c.Sync.WritesPerSecond < 0 {
		errs = append(errs, errors.New("sync.writes_per_second must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DBConfig converts the store section into a db.Config.
func (c *Config) DBConfig() db.Config {
	s := c.Store
	cfg := db.DefaultConfig()
	cfg.Table = s.Table
	cfg.Region = s.Region
	cfg.Endpoint = s.Endpoint
	cfg.Profile = s.Profile
	cfg.AccessKeyID = s.AccessKeyID
	cfg.SecretAccessKey = s.SecretAccessKey
	cfg.OperationTimeout = s.OperationTimeout
	cfg.ProbeTimeout = s.ProbeTimeout
	cfg.ProvisionTimeout = s.ProvisionTimeout
	cfg.MaxAttempts = s.MaxAttempts
	cfg.BillingMode = s.BillingMode
	cfg.ReadCapacity = s.ReadCapacity
	cfg.WriteCapacity = s.WriteCapacity
	if s.ProvisionRetries > 0 {
		cfg.ProvisionRetries = s.ProvisionRetries
	}
	return cfg
}
