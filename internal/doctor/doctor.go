package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskinbox/internal/config"
	"github.com/basket/taskinbox/internal/monitor"
	"github.com/basket/taskinbox/internal/persistence"
	"github.com/basket/taskinbox/internal/retention"
	"github.com/basket/taskinbox/internal/task"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkProcessProbe,
		checkMonitor,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := retention.ValidateSchedule(cfg.SweepSchedule); cfg.SweepSchedule != "" && err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, using defaults",
			Detail:  "Run `taskinbox config init` to write one",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create home dir: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.DatabasePath()
	store, err := persistence.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: dbPath}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema query failed: %v", err), Detail: dbPath}
	}
	integrity, err := store.IntegrityCheck(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err), Detail: dbPath}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check reported problems", Detail: integrity}
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: dbPath}
	}

	parts := make([]string, 0, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d, integrity ok", version),
		Detail:  fmt.Sprintf("%s (%s)", dbPath, strings.Join(parts, ", ")),
	}
}

func checkProcessProbe(ctx context.Context, _ *config.Config) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	snap, err := monitor.NewProcessProber().Probe(probeCtx, os.Getpid())
	if err != nil {
		return CheckResult{
			Name:    "Process Probe",
			Status:  "WARN",
			Message: "Cannot inspect processes; the monitor will not detect exits or stalls",
			Detail:  err.Error(),
		}
	}
	if !snap.Alive {
		return CheckResult{Name: "Process Probe", Status: "WARN", Message: "Own process reported as not running"}
	}
	return CheckResult{Name: "Process Probe", Status: "PASS", Message: fmt.Sprintf("Process state readable (%s)", runtime.GOOS)}
}

func checkMonitor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Monitor", Status: "SKIP", Message: "Config missing"}
	}
	lock, err := monitor.AcquireLock(cfg.LockPath())
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		return CheckResult{Name: "Monitor", Status: "PASS", Message: "Global monitor is running", Detail: cfg.LockPath()}
	case err != nil:
		return CheckResult{Name: "Monitor", Status: "WARN", Message: fmt.Sprintf("Cannot check monitor lock: %v", err)}
	}
	lock.Release()
	return CheckResult{
		Name:    "Monitor",
		Status:  "WARN",
		Message: "No global monitor running; abandoned tasks stay Running",
		Detail:  "Start one with `taskinbox monitor`",
	}
}
