package config

import (
	"os"
	"path/filepath"
)

const (
	// ConfigDirName is the default configuration directory under $HOME.
	ConfigDirName = ".relaycode"

	// ConfigFileName is the YAML file Load reads inside the config dir.
	ConfigFileName = "config.yaml"

	// SessionsFileName is the session store document inside the data dir.
	SessionsFileName = "sessions.json"

	// AuditDBFileName is the sqlite audit database inside the data dir.
	AuditDBFileName = "audit.db"

	// LogDirName is the log subdirectory inside the data dir.
	LogDirName = "log"

	// EnvPrefix fronts every environment override, e.g. RELAYCODE_DATA_DIR.
	EnvPrefix = "RELAYCODE_"
)

// DefaultConfDir returns the config directory path (default: ~/.relaycode).
func DefaultConfDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to a relative directory when home is not resolvable.
		return ConfigDirName
	}
	return filepath.Join(homeDir, ConfigDirName)
}
