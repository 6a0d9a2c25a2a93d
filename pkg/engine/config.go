package engine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures one Engine instance. It is yaml-tagged so an
// external collaborator's own config loader can populate it directly;
// Holon's core does not ship a CLI or file loader itself.
type Config struct {
	DataDir             string        `yaml:"data_dir"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SyncDebounceWindow  time.Duration `yaml:"sync_debounce_window"`
	OperationLogMaxSize int           `yaml:"operation_log_max_size"`
	SortKeyMaxLength    int           `yaml:"sort_key_max_length"`
	TombstoneRetention  time.Duration `yaml:"tombstone_retention"`
	ProviderAPIs        []ProviderAPI `yaml:"provider_apis"`
	ReplicaID           string        `yaml:"replica_id"`
}

// ProviderAPI configures one external-system datasource this engine
// instance syncs with.
type ProviderAPI struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ParseConfig decodes a yaml document over the defaults, so absent keys
// keep their default values. Reading the document from disk, flags, or
// the environment is the embedding application's concern.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:             "./data",
		PollInterval:        5 * time.Second,
		SyncDebounceWindow:  0,
		OperationLogMaxSize: 100,
		SortKeyMaxLength:    64,
		TombstoneRetention:  7 * 24 * time.Hour,
		ReplicaID:           "",
	}
}
