// Package syncconfig loads engine configuration once at init and exposes it
// read-only thereafter (§9, "no global mutable configuration after init").
// Timing knobs come from a viper layer (env-var overridable), the static
// table projection from a BurntSushi/toml file, and connection-identity
// fields that must never be runtime-settable from a yaml.v3 layer — the
// same three-layer split this codebase's own config package uses for
// startup settings versus runtime-tunable values.
package syncconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// TableConfig is the per-table projection the engine consumes (§3.2):
// column projection, conflict-resolution exclusions, numeric-merge
// eligibility, and the singleton bit.
type TableConfig struct {
	Name            string   `toml:"name"`
	Columns         []string `toml:"columns"`
	ExcludedFields  []string `toml:"excluded_fields"`
	NumericMerge    []string `toml:"numeric_merge_fields"`
	Singleton       bool     `toml:"singleton"`
	IndexedFields   []string `toml:"indexed_fields"`
}

// defaultExcluded are always excluded from conflict resolution regardless of
// per-table configuration (§3.2).
var defaultExcluded = []string{"id", "ownership_key", "created_at", "_version"}

// Excluded reports whether field is excluded from C5's field loop.
func (t TableConfig) Excluded(field string) bool {
	for _, f := range defaultExcluded {
		if f == field {
			return true
		}
	}
	for _, f := range t.ExcludedFields {
		if f == field {
			return true
		}
	}
	return false
}

// NumericMergeEligible reports whether field is in the numeric-merge set.
func (t TableConfig) NumericMergeEligible(field string) bool {
	for _, f := range t.NumericMerge {
		if f == field {
			return true
		}
	}
	return false
}

// tablesFile is the BurntSushi/toml-decoded shape of tables.toml.
type tablesFile struct {
	Tables []TableConfig `toml:"table"`
}

// connectionIdentity holds the yaml-only keys that must not be viper-settable
// at runtime: they identify a connection, not tunable behavior.
type connectionIdentity struct {
	RemoteDSN string `yaml:"remote_dsn"`
	NATSURL   string `yaml:"nats_url"`
}

// Timing holds the engine's tunable timing knobs, all viper-overridable via
// SYNCMESH_* environment variables.
type Timing struct {
	PushDebounce        time.Duration
	PullInterval        time.Duration
	RetryCeiling        int
	ConflictHistoryTTL  time.Duration
	RemoteCallTimeout   time.Duration
	CatchUpPullWindow   time.Duration
	StatusHistoryWindow int
}

// Config is the engine's fully-resolved, immutable configuration. Init (§6.1)
// is the sole writer; everything downstream only reads it.
type Config struct {
	IdentityPrefix string
	Tables         []TableConfig
	Timing         Timing
	RemoteDSN      string
	NATSURL        string
}

// TableByName returns the configuration for table, or (_, false) if table is
// not a synced table.
func (c Config) TableByName(table string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == table {
			return t, true
		}
	}
	return TableConfig{}, false
}

// Load resolves Config from a timing/env layer (viper), a static table-
// projection file (tablesPath, toml), and a connection-identity file
// (identityPath, yaml). Any of the latter two paths may be empty to skip
// that layer, which is useful for tests that build Config by hand instead.
func Load(tablesPath, identityPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNCMESH")
	v.AutomaticEnv()
	v.SetDefault("push_debounce_ms", 500)
	v.SetDefault("pull_interval_seconds", 300)
	v.SetDefault("retry_ceiling", 5)
	v.SetDefault("conflict_history_ttl_days", 30)
	v.SetDefault("remote_call_timeout_seconds", 10)
	v.SetDefault("catch_up_pull_window_seconds", 60)
	v.SetDefault("status_history_window", 50)
	v.SetDefault("identity_prefix", "device")

	cfg := Config{
		IdentityPrefix: v.GetString("identity_prefix"),
		Timing: Timing{
			PushDebounce:        time.Duration(v.GetInt("push_debounce_ms")) * time.Millisecond,
			PullInterval:        time.Duration(v.GetInt("pull_interval_seconds")) * time.Second,
			RetryCeiling:        v.GetInt("retry_ceiling"),
			ConflictHistoryTTL:  time.Duration(v.GetInt("conflict_history_ttl_days")) * 24 * time.Hour,
			RemoteCallTimeout:   time.Duration(v.GetInt("remote_call_timeout_seconds")) * time.Second,
			CatchUpPullWindow:   time.Duration(v.GetInt("catch_up_pull_window_seconds")) * time.Second,
			StatusHistoryWindow: v.GetInt("status_history_window"),
		},
	}

	if tablesPath != "" {
		var tf tablesFile
		if _, err := toml.DecodeFile(tablesPath, &tf); err != nil {
			return Config{}, fmt.Errorf("syncconfig: decode %s: %w", tablesPath, err)
		}
		cfg.Tables = tf.Tables
	}

	if identityPath != "" {
		data, err := os.ReadFile(identityPath)
		if err != nil {
			return Config{}, fmt.Errorf("syncconfig: read %s: %w", identityPath, err)
		}
		var id connectionIdentity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return Config{}, fmt.Errorf("syncconfig: decode %s: %w", identityPath, err)
		}
		cfg.RemoteDSN = id.RemoteDSN
		cfg.NATSURL = id.NATSURL
	}

	return cfg, nil
}
