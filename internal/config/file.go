package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

const fileHeader = `# jouster configuration.
# Every key can be overridden from the environment, e.g. JOUSTER_STORE_TABLE.

`

// values returns the config as nested tables keyed like the file.
func (c *Config) values() map[string]any {
	return map[string]any{
		"archive": map[string]any{
			"dir":     c.Archive.Dir,
			"pattern": c.Archive.Pattern,
		},
		"store": map[string]any{
			"table":             c.Store.Table,
			"region":            c.Store.Region,
			"endpoint":          c.Store.Endpoint,
			"profile":           c.Store.Profile,
			"access_key_id":     c.Store.AccessKeyID,
			"secret_access_key": c.Store.SecretAccessKey,
			"operation_timeout": c.Store.OperationTimeout.String(),
			"probe_timeout":     c.Store.ProbeTimeout.String(),
			"provision_timeout": c.Store.ProvisionTimeout.String(),
			"max_attempts":      c.Store.MaxAttempts,
			"billing_mode":      c.Store.BillingMode,
			"read_capacity":     c.Store.ReadCapacity,
			"write_capacity":    c.Store.WriteCapacity,
			"provision_retries": int64(c.Store.ProvisionRetries),
		},
		"sync": map[string]any{
			"ledger":            c.Sync.Ledger,
			"auto_provision":    c.Sync.AutoProvision,
			"writes_per_second": c.Sync.WritesPerSecond,
			"verify":            c.Sync.Verify,
		},
		"daemon": map[string]any{
			"debounce":       c.Daemon.Debounce.String(),
			"retry_interval": c.Daemon.RetryInterval.String(),
		},
		"server": map[string]any{
			"port":            c.Server.Port,
			"request_timeout": c.Server.RequestTimeout.String(),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"verbose":      c.Log.Verbose,
		},
	}
}

// flatten turns nested tables into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal encodes cfg as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg.values()); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write validates cfg and writes it to path, creating parent directories.
// An existing file is replaced only when overwrite is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	// The file may hold static credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
