package monitor

import (
	"time"

	"github.com/basket/taskinbox/internal/config"
	"github.com/basket/taskinbox/internal/task"
)

// Reasons written by the monitor. A NeedsAttention task carrying one of
// these is treated as monitor-raised even across monitor restarts.
const (
	ReasonWaitingForInput = "Waiting for input"
	ReasonStalled         = "Process stalled (no activity)"
	ReasonExited          = "process exited without reporting completion"
)

// Settings are the monitor thresholds. They can be replaced while running.
type Settings struct {
	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	InputMinAge    time.Duration
	InputIdle      time.Duration
	StallThreshold time.Duration
	StallMinAge    time.Duration
	ExitDetector   bool
	InputDetector  bool
	StallDetector  bool
}

// SettingsFromConfig maps the monitor section of cfg.
func SettingsFromConfig(cfg config.Config) Settings {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Settings{
		PollInterval:   cfg.PollInterval(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		InputMinAge:    sec(cfg.Monitor.InputMinAgeSeconds),
		InputIdle:      sec(cfg.Monitor.InputIdleSeconds),
		StallThreshold: sec(cfg.Monitor.StallThresholdSeconds),
		StallMinAge:    sec(cfg.Monitor.StallMinAgeSeconds),
		ExitDetector:   cfg.DetectorEnabled(config.DetectorExit),
		InputDetector:  cfg.DetectorEnabled(config.DetectorInput),
		StallDetector:  cfg.DetectorEnabled(config.DetectorStall),
	}
}

// DefaultSettings returns the thresholds of a default config.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default(""))
}

type verdict int

const (
	verdictNone verdict = iota
	verdictExited
	verdictWaitingInput
	verdictStalled
	verdictResumed
)

func (v verdict) String() string {
	switch v {
	case verdictExited:
		return "exited"
	case verdictWaitingInput:
		return "waiting_input"
	case verdictStalled:
		return "stalled"
	case verdictResumed:
		return "resumed"
	}
	return "none"
}

// judge decides what, if anything, should happen to t given a successful
// probe. It has no side effects.
func judge(t task.Task, snap Snapshot, obs Observation, now time.Time, s Settings) verdict {
	if !snap.Alive {
		if s.ExitDetector {
			return verdictExited
		}
		return verdictNone
	}
	age := t.Age(now)

	switch t.Status {
	case task.StatusNeedsAttention:
		if obs.Flagged && obs.Active {
			return verdictResumed
		}
	case task.StatusRunning:
		if s.InputDetector && snap.Sleeping && snap.StdinTTY &&
			age > s.InputMinAge && obs.Idle > s.InputIdle {
			return verdictWaitingInput
		}
		if s.StallDetector && obs.Sampled && !obs.Active &&
			obs.Idle > s.StallThreshold && age > s.StallMinAge {
			return verdictStalled
		}
	}
	return verdictNone
}

func isMonitorReason(reason string) bool {
	return reason == ReasonWaitingForInput || reason == ReasonStalled
}
