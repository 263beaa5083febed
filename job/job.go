// Package job holds the sync job ledger: the job model, its durable store,
// the append-only audit trail, and the operator control-action service.
//
// The ledger is the single source of truth for job status. Pipeline runners
// never write status directly; they return an outcome and the worker
// supervisor persists the transition through this package.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/qafila/errors"
)

// Status represents the current state of a sync job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one enqueued sync pipeline run.
//
// Priority is lower-is-sooner: the worker pool claims pending jobs ordered
// by priority ascending, then creation time.
//
// Exactly one of the active/terminal timestamps is set consistent with
// Status. ProgressPercent is monotonically non-decreasing while running and
// only resets to 0 when a new run of the same job id begins (resume).
type Job struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Status          Status            `json:"status"`
	Priority        int               `json:"priority"`
	ProgressPercent float64           `json:"progress_percent"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	PausedAt        *time.Time        `json:"paused_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// New creates a pending job for the given pipeline family.
func New(jobType string, priority int) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}

	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    StatusPending,
		Priority:  priority,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Start marks the job as running. Called when a worker claims it; a resumed
// job starting a fresh run keeps its id but resets progress here.
func (j *Job) Start() {
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.PausedAt = nil
	j.ProgressPercent = 0
	j.ErrorMessage = ""
	j.UpdatedAt = now
}

// MarkPaused records the paused state after a runner honored the pause flag.
func (j *Job) MarkPaused() {
	now := time.Now()
	j.Status = StatusPaused
	j.PausedAt = &now
	j.UpdatedAt = now
}

// Requeue puts a paused job back in line for a worker. Progress carries over
// until the next run actually starts.
func (j *Job) Requeue() {
	j.Status = StatusPending
	j.PausedAt = nil
	j.UpdatedAt = time.Now()
}

// MarkCompleted records successful completion with full progress.
func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = StatusCompleted
	j.ProgressPercent = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a pipeline-level failure with a human-readable summary
// of the last fatal condition.
func (j *Job) MarkFailed(err error) {
	now := time.Now()
	j.Status = StatusFailed
	j.ErrorMessage = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled records cancellation. Progress stays frozen at its last
// reported value.
func (j *Job) MarkCancelled(reason string) {
	now := time.Now()
	j.Status = StatusCancelled
	j.ErrorMessage = reason
	j.PausedAt = nil
	j.CancelledAt = &now
	j.UpdatedAt = now
}

// SetMeta stores one stage-specific metadata value (step name, checkpoint,
// aggregated results).
func (j *Job) SetMeta(key, value string) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
	j.UpdatedAt = time.Now()
}

// Meta returns one metadata value, or "" when unset.
func (j *Job) Meta(key string) string {
	return j.Metadata[key]
}

// marshalMetadata converts the metadata bag to its JSON column form.
func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job metadata")
	}
	return string(data), nil
}

// unmarshalMetadata converts the JSON column form back to the metadata bag.
func unmarshalMetadata(data string) (map[string]string, error) {
	if data == "" {
		return make(map[string]string), nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job metadata")
	}
	return m, nil
}
