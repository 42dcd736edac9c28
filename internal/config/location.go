package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable overriding the config path.
const EnvConfigPath = "FRAMESYNC_CONFIG"

// GetConfigPath returns the configuration file path, kubectl style: the
// FRAMESYNC_CONFIG environment variable if set, else ~/.framesync/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(EnvConfigPath); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".framesync", "config"), nil
}

// EnsureConfigDir ensures that the configuration directory exists.
func EnsureConfigDir() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(configPath), 0755)
}
