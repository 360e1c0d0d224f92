package domain

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobFailed  JobState = "failed"
)

// Job is a unit of work addressed to the handler registered for Type.
// Args holds the JSON encoding of the named fields passed at enqueue time.
type Job struct {
	ID        string
	Type      string
	Args      json.RawMessage
	State     JobState
	Attempts  int
	LastError string
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	JobType   string          `json:"job_type"`
	Args      json.RawMessage `json:"args,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	NextRun   time.Time       `json:"next_run"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
)
