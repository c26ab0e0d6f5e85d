// Package config provides centralized configuration management: environment
// variables, standard paths and the YAML config file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// LitbatchEnv holds all litbatch environment variables.
type LitbatchEnv struct {
	// Home overrides the litbatch home directory (LITBATCH_HOME)
	Home string

	// ConfigFile overrides the config file path (LITBATCH_CONFIG)
	ConfigFile string

	// Workers overrides the worker count (LITBATCH_WORKERS)
	Workers int

	// LogLevel is the log level (LITBATCH_LOG_LEVEL)
	LogLevel string

	// LogFormat is json or console (LITBATCH_LOG_FORMAT)
	LogFormat string

	// MetricsAddr serves metrics when set (LITBATCH_METRICS_ADDR)
	MetricsAddr string

	// NoColor disables colored output (NO_COLOR)
	NoColor bool
}

var (
	env     *LitbatchEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *LitbatchEnv {
	envOnce.Do(func() {
		env = &LitbatchEnv{
			Home:        os.Getenv("LITBATCH_HOME"),
			ConfigFile:  os.Getenv("LITBATCH_CONFIG"),
			Workers:     getEnvInt("LITBATCH_WORKERS", 0),
			LogLevel:    getEnvDefault("LITBATCH_LOG_LEVEL", "warn"),
			LogFormat:   getEnvDefault("LITBATCH_LOG_FORMAT", "console"),
			MetricsAddr: os.Getenv("LITBATCH_METRICS_ADDR"),
			NoColor:     os.Getenv("NO_COLOR") != "",
		}
	})
	return env
}

// ResetEnv resets the cached environment and paths (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
	pathsOnce = sync.Once{}
	paths = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// Paths holds standard litbatch directory paths.
type Paths struct {
	// Home is the litbatch home directory (~/.litbatch)
	Home string

	// Sessions holds checkpoints (~/.litbatch/sessions)
	Sessions string

	// Work holds per-session working directories (~/.litbatch/work)
	Work string

	// Backups holds session archives (~/.litbatch/backups)
	Backups string

	// History is the run history database (~/.litbatch/history.db)
	History string

	// ConfigFile is the default config file (~/.litbatch/config.yaml)
	ConfigFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home := Env().Home
		if home == "" {
			userHome, err := os.UserHomeDir()
			if err != nil {
				userHome = "."
			}
			home = filepath.Join(userHome, ".litbatch")
		}

		cfg := Env().ConfigFile
		if cfg == "" {
			cfg = filepath.Join(home, "config.yaml")
		}

		paths = &Paths{
			Home:       home,
			Sessions:   filepath.Join(home, "sessions"),
			Work:       filepath.Join(home, "work"),
			Backups:    filepath.Join(home, "backups"),
			History:    filepath.Join(home, "history.db"),
			ConfigFile: cfg,
		}
	})
	return paths
}

// Path returns a path under the litbatch home directory.
func Path(parts ...string) string {
	p := GetPaths()
	allParts := append([]string{p.Home}, parts...)
	return filepath.Join(allParts...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
