package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleConfigYAML = `# litbatch configuration
pipeline: screening

# 0 picks the recommended worker count for this host.
workers: 0
reserved_cores: 1
memory_per_worker_mb: 2048

launch_delay: 0s
update_interval: 5s
grace_period: 30s

input:
  root: ./papers
  patterns:
    - "**/*.pdf"
  ignore_file: .litbatchignore

processor:
  command: "llm-screen --input {item}"
  item_timeout: 10m
  fail_on_item_error: false

output:
  path: ./results.jsonl
  backup: true

cleanup:
  after_merge: false
  keep_results: true

history:
  enabled: true
`

// InputConfig selects work items.
type InputConfig struct {
	Root       string   `yaml:"root"`
	Patterns   []string `yaml:"patterns"`
	IgnoreFile string   `yaml:"ignore_file,omitempty"`
	// ListFile reads items one per line instead of globbing Root.
	ListFile string `yaml:"list_file,omitempty"`
}

// ProcessorConfig configures the per-item command.
type ProcessorConfig struct {
	Command         string        `yaml:"command"`
	ItemTimeout     time.Duration `yaml:"item_timeout"`
	FailOnItemError bool          `yaml:"fail_on_item_error"`
	Env             []string      `yaml:"env,omitempty"`
}

// OutputConfig configures the merged artifact.
type OutputConfig struct {
	Path      string `yaml:"path"`
	Backup    bool   `yaml:"backup"`
	BackupDir string `yaml:"backup_dir,omitempty"`
}

// CleanupConfig configures what happens after a successful merge.
type CleanupConfig struct {
	AfterMerge  bool `yaml:"after_merge"`
	KeepResults bool `yaml:"keep_results"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config models config.yaml.
type Config struct {
	Pipeline          string        `yaml:"pipeline"`
	Workers           int           `yaml:"workers"`
	ReservedCores     int           `yaml:"reserved_cores"`
	MemoryPerWorkerMB int           `yaml:"memory_per_worker_mb"`
	LaunchDelay       time.Duration `yaml:"launch_delay"`
	UpdateInterval    time.Duration `yaml:"update_interval"`
	GracePeriod       time.Duration `yaml:"grace_period"`

	SessionsDir string `yaml:"sessions_dir,omitempty"`
	WorkDir     string `yaml:"work_dir,omitempty"`

	Input     InputConfig     `yaml:"input"`
	Processor ProcessorConfig `yaml:"processor"`
	Output    OutputConfig    `yaml:"output"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Source is the file the config was read from, empty for defaults.
	Source string `yaml:"-"`
}

// Default returns the built-in configuration rooted at the standard paths.
func Default() *Config {
	p := GetPaths()
	return &Config{
		Pipeline:          "default",
		ReservedCores:     1,
		MemoryPerWorkerMB: 2048,
		UpdateInterval:    5 * time.Second,
		GracePeriod:       30 * time.Second,
		SessionsDir:       p.Sessions,
		WorkDir:           p.Work,
		Input: InputConfig{
			Root:     ".",
			Patterns: []string{"**/*.pdf"},
		},
		Processor: ProcessorConfig{ItemTimeout: 10 * time.Minute},
		Output: OutputConfig{
			Path:      "results.jsonl",
			Backup:    true,
			BackupDir: p.Backups,
		},
		Cleanup: CleanupConfig{KeepResults: true},
		History: HistoryConfig{Enabled: true, Path: p.History},
		Log:     LogConfig{Level: Env().LogLevel, Format: Env().LogFormat},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = GetPaths().ConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.ApplyEnv(Env())
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Source = path
	cfg.expandPaths()
	cfg.ApplyEnv(Env())
	return cfg, nil
}

// ApplyEnv lets LITBATCH_* variables override file values.
func (c *Config) ApplyEnv(e *LitbatchEnv) {
	if e.Workers > 0 {
		c.Workers = e.Workers
	}
	if e.MetricsAddr != "" {
		c.MetricsAddr = e.MetricsAddr
	}
	if os.Getenv("LITBATCH_LOG_LEVEL") != "" {
		c.Log.Level = e.LogLevel
	}
	if os.Getenv("LITBATCH_LOG_FORMAT") != "" {
		c.Log.Format = e.LogFormat
	}
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.SessionsDir, &c.WorkDir, &c.Input.Root, &c.Input.ListFile,
		&c.Output.Path, &c.Output.BackupDir, &c.History.Path,
	} {
		*p = expandHome(*p)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// MemoryPerWorker returns memory_per_worker_mb in bytes.
func (c *Config) MemoryPerWorker() uint64 {
	return uint64(c.MemoryPerWorkerMB) << 20
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if c.ReservedCores < 0 {
		errs = append(errs, fmt.Errorf("reserved_cores must be >= 0, got %d", c.ReservedCores))
	}
	if c.MemoryPerWorkerMB < 0 {
		errs = append(errs, fmt.Errorf("memory_per_worker_mb must be >= 0, got %d", c.MemoryPerWorkerMB))
	}
	if c.LaunchDelay < 0 {
		errs = append(errs, fmt.Errorf("launch_delay must not be negative"))
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("update_interval must be positive"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must not be negative"))
	}
	if c.Processor.ItemTimeout < 0 {
		errs = append(errs, fmt.Errorf("processor.item_timeout must not be negative"))
	}
	if c.SessionsDir == "" {
		errs = append(errs, fmt.Errorf("sessions_dir is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, fmt.Errorf("work_dir is required"))
	}
	if c.Output.Path == "" {
		errs = append(errs, fmt.Errorf("output.path is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WriteSample writes a commented starter config to path unless one exists.
func WriteSample(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(sampleConfigYAML), 0644); err != nil {
		return false, err
	}
	return true, nil
}
