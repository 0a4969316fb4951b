package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskinbox/internal/otel"
	"gopkg.in/yaml.v3"
)

// Detector names accepted in monitor.detectors.
const (
	DetectorExit  = "exit"
	DetectorInput = "input"
	DetectorStall = "stall"
)

// MonitorConfig tunes the attention monitor. All durations are seconds unless
// the field name says otherwise.
type MonitorConfig struct {
	PollIntervalSeconds   int      `yaml:"poll_interval_seconds"`
	ProbeTimeoutMillis    int      `yaml:"probe_timeout_ms"`
	InputMinAgeSeconds    int      `yaml:"input_min_age_seconds"`
	InputIdleSeconds      int      `yaml:"input_idle_seconds"`
	StallThresholdSeconds int      `yaml:"stall_threshold_seconds"`
	StallMinAgeSeconds    int      `yaml:"stall_min_age_seconds"`
	Detectors             []string `yaml:"detectors"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides <home>/tasks.db.
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	RetentionSecs int `yaml:"retention_secs"`
	// SweepSchedule is a robfig/cron spec for the periodic retention pass
	// run by the monitor daemon. Empty disables it.
	SweepSchedule string `yaml:"sweep_schedule"`

	// MetricsAddr, when set, makes the monitor daemon serve Prometheus
	// metrics on http://<addr>/metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	Monitor   MonitorConfig `yaml:"monitor"`
	Telemetry otel.Config   `yaml:"telemetry"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// DatabasePath returns the configured database path.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "tasks.db")
}

// Retention returns the retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionSecs) * time.Second
}

// PollInterval returns the monitor poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSeconds) * time.Second
}

// ProbeTimeout bounds every single process probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Monitor.ProbeTimeoutMillis) * time.Millisecond
}

// DetectorEnabled reports whether the named detector is switched on.
func (c Config) DetectorEnabled(name string) bool {
	for _, d := range c.Monitor.Detectors {
		if d == name {
			return true
		}
	}
	return false
}

// LockPath is the advisory lock held by the global monitor.
func (c Config) LockPath() string {
	return filepath.Join(c.HomeDir, "monitor.lock")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior, so reloads can log whether anything actually moved.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|ret=%d|sweep=%s|metrics=%s|mon=%+v",
		c.DatabasePath(), c.LogLevel, c.RetentionSecs, c.SweepSchedule, c.MetricsAddr, c.Monitor)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		RetentionSecs: 3600,
		SweepSchedule: "@every 5m",
		Monitor:       defaultMonitorConfig(),
		Telemetry: otel.Config{
			Exporter:    "otlp-http",
			ServiceName: "taskinbox",
			SampleRate:  1.0,
		},
	}
}

func defaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollIntervalSeconds:   2,
		ProbeTimeoutMillis:    500,
		InputMinAgeSeconds:    10,
		InputIdleSeconds:      5,
		StallThresholdSeconds: 600,
		StallMinAgeSeconds:    30,
		Detectors:             []string{DetectorExit, DetectorInput, DetectorStall},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("TASKINBOX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskinbox")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskinbox home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	// 0 keeps nothing past completion; negative is treated as unset.
	if cfg.RetentionSecs < 0 {
		cfg.RetentionSecs = def.RetentionSecs
	}
	if cfg.DBPath != "" && !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}

	m := &cfg.Monitor
	dm := defaultMonitorConfig()
	if m.PollIntervalSeconds <= 0 {
		m.PollIntervalSeconds = dm.PollIntervalSeconds
	}
	if m.ProbeTimeoutMillis <= 0 {
		m.ProbeTimeoutMillis = dm.ProbeTimeoutMillis
	}
	if m.InputMinAgeSeconds <= 0 {
		m.InputMinAgeSeconds = dm.InputMinAgeSeconds
	}
	if m.InputIdleSeconds <= 0 {
		m.InputIdleSeconds = dm.InputIdleSeconds
	}
	if m.StallThresholdSeconds <= 0 {
		m.StallThresholdSeconds = dm.StallThresholdSeconds
	}
	if m.StallMinAgeSeconds <= 0 {
		m.StallMinAgeSeconds = dm.StallMinAgeSeconds
	}
	if m.Detectors == nil {
		m.Detectors = dm.Detectors
	}
	for i, d := range m.Detectors {
		m.Detectors[i] = strings.ToLower(strings.TrimSpace(d))
	}
}

func validate(cfg Config) error {
	for _, d := range cfg.Monitor.Detectors {
		switch d {
		case DetectorExit, DetectorInput, DetectorStall:
		default:
			return fmt.Errorf("monitor.detectors: unknown detector %q (supported: exit, input, stall)", d)
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKINBOX_DB"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKINBOX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKINBOX_RETENTION_SECS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionSecs = v
		}
	}
	if raw := os.Getenv("TASKINBOX_POLL_INTERVAL"); raw != "" {
		if v, err := parseSeconds(raw); err == nil {
			cfg.Monitor.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKINBOX_METRICS_ADDR"); raw != "" {
		cfg.MetricsAddr = raw
	}
	if raw := os.Getenv("TASKINBOX_SWEEP_SCHEDULE"); raw != "" {
		cfg.SweepSchedule = raw
	}
}

// parseSeconds accepts a bare integer number of seconds or a Go duration.
func parseSeconds(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.Atoi(raw); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return int(d.Round(time.Second) / time.Second), nil
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml
// through a temp file and rename, so the watcher never sees a torn write.
func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return os.Rename(tmp, path)
}

// SetValue updates one dotted key (e.g. "monitor.poll_interval_seconds") in
// config.yaml, preserving other settings. Numeric and boolean strings are
// stored as such. The result must still load.
func SetValue(homeDir, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("config key is required")
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = scalar(value)

	// Validate the merged document before persisting it.
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	probe := Default(homeDir)
	if err := yaml.Unmarshal(out, &probe); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	normalize(&probe)
	if err := validate(probe); err != nil {
		return err
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create taskinbox home: %w", err)
	}
	return saveRawConfig(path, raw)
}

// WriteDefault writes the built-in configuration to config.yaml unless a file
// already exists. It reports whether it wrote one.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create taskinbox home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func scalar(v string) any {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if strings.Contains(v, ",") {
		var list []any
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list
	}
	return v
}
