package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/ledger"
)

// Config holds server configuration.
type Config struct {
	HTTPAddr     string `yaml:"http_addr"`     // HTTP bind address (e.g. ":8081")
	DBPath       string `yaml:"db_path"`       // SQLite database path
	LedgerURL    string `yaml:"ledger_url"`    // redis://host:port/db, badger:///path or badger://memory
	SettingsFile string `yaml:"settings_file"` // YAML runtime settings, watched for changes
	UsersFile    string `yaml:"users_file"`    // YAML users to create on startup

	ConversationAddedSentinel int64         `yaml:"conversation_added_sentinel"`
	RefreshConcurrency        int           `yaml:"refresh_concurrency"`
	MetricsLogInterval        time.Duration `yaml:"metrics_log_interval"`
	SocketWriteTimeout        time.Duration `yaml:"socket_write_timeout"`
	ShutdownTimeout           time.Duration `yaml:"shutdown_timeout"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Ledger and closes them on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// Ledger overrides Config.LedgerURL when set.
	Ledger ledger.HashStore
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                  ":8081",
		DBPath:                    "seawire.db",
		LedgerURL:                 "redis://localhost:6379/0",
		ConversationAddedSentinel: ledger.DefaultSentinel,
		RefreshConcurrency:        identity.DefaultConcurrency,
		MetricsLogInterval:        60 * time.Second,
		SocketWriteTimeout:        10 * time.Second,
		ShutdownTimeout:           5 * time.Second,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from
// the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("server: parse config: %w", err)
	}
	return nil
}
