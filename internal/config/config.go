// Package config loads lorekeep's per-user configuration.
//
// Settings come from three layers, later winning: registered defaults,
// config.toml in the base directory, and LOREKEEP_* environment variables
// (dots become underscores, so sync.retries is LOREKEEP_SYNC_RETRIES).
// The workspace registry is separate user data, not configuration; it
// lives in workspaces.toml and is managed by the workspace package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file's name inside the base directory.
const FileName = "config.toml"

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "LOREKEEP"

var v = viper.New()

// BaseDir resolves the per-user lorekeep directory: $LOREKEEP_HOME when
// set, otherwise ~/.lorekeep.
func BaseDir() (string, error) {
	if dir := os.Getenv("LOREKEEP_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lorekeep"), nil
}

// Init loads configuration from the given base directory. A missing
// config.toml is fine; defaults and environment still apply. Calling
// Init again rebuilds the configuration from scratch.
func Init(baseDir string) error {
	nv := viper.New()

	nv.SetDefault("sync.timeout", "60s")
	nv.SetDefault("sync.retries", 3)
	nv.SetDefault("sync.backoff", "500ms")
	nv.SetDefault("export.batch_size", 100)
	nv.SetDefault("autosync.debounce", "2s")
	nv.SetDefault("log.max_size_mb", 10)
	nv.SetDefault("log.max_backups", 3)
	nv.SetDefault("log.max_age_days", 30)

	nv.SetConfigName("config")
	nv.SetConfigType("toml")
	nv.AddConfigPath(baseDir)

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read %s: %w", FileName, err)
		}
	}

	v = nv
	return nil
}

// GetString returns the string value for key.
func GetString(key string) string {
	return v.GetString(key)
}

// GetBool returns the boolean value for key.
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetInt returns the integer value for key.
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetDuration returns the duration value for key.
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// Set overrides a value in the running process, primarily for flags that
// shadow config keys.
func Set(key string, value interface{}) {
	v.Set(key, value)
}
