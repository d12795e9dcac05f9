// Package schedule runs operator-defined recurring jobs against the
// Control API contract: a scheduled restart, a health sweep across the
// fleet, or an audit-retention prune. It is a convenience layered on
// top of C9, not a replacement for the supervisor's own continuous
// health-poll loop (internal/supervisor).
//
// Grounded on the teacher's internal/scheduler: the same
// ScheduleConfig/Job/JobState shape and the same interval/cron/at
// timing math, with ActionConfig's shell/agent/mqtt/http action kinds
// replaced by the three Control API actions above.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled operation: when it runs and what it does.
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`
}

// ScheduleConfig defines when a job runs. Unchanged from the teacher:
// this timing logic is domain-agnostic.
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig defines what a job does against the Control API contract.
type ActionConfig struct {
	Kind      string `json:"kind"` // "restart", "health_sweep", "audit_prune"
	AgentID   string `json:"agentId,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	RetainMax int    `json:"retainMax,omitempty"`
}

// JobState tracks job execution history.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks a job's schedule and action configuration.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}

	switch j.Action.Kind {
	case "restart":
		if j.Action.AgentID == "" {
			return fmt.Errorf("agentId required for restart action")
		}
	case "health_sweep":
		// no fields required: sweeps every registered agent
	case "audit_prune":
		if j.Action.RetainMax <= 0 {
			return fmt.Errorf("retainMax must be positive for audit_prune action")
		}
		if j.Action.Bucket == "" {
			j.Action.Bucket = "global"
		}
	default:
		return fmt.Errorf("unknown action kind: %s (use restart, health_sweep, or audit_prune)", j.Action.Kind)
	}

	return nil
}

// NextRun calculates the next run time from a reference time.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		interval := time.Duration(j.Schedule.IntervalMs) * time.Millisecond
		return from.Add(interval), nil

	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		next := time.Date(from.Year(), from.Month(), from.Day(),
			t.Hour(), t.Minute(), 0, 0, loc)

		if next.Before(from) || next.Equal(from) {
			next = next.Add(24 * time.Hour)
		}

		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}
