package jobs

import "time"

// JobCompleted is published after a handler succeeded and the job was removed.
type JobCompleted struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

func (JobCompleted) EventName() string { return "job.completed" }

// JobFailed is published after a handler failed. Retrying reports whether
// the job was requeued rather than marked failed.
type JobFailed struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
	Retrying bool   `json:"retrying"`
}

func (JobFailed) EventName() string { return "job.failed" }
