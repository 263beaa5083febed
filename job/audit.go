package job

import "time"

// Action is an operator-triggered transition recorded in the audit trail.
type Action string

const (
	ActionEnqueue        Action = "enqueue"
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionCancel         Action = "cancel"
	ActionDelete         Action = "delete"
	ActionPriorityChange Action = "priority-change"
)

// AuditEntry is one append-only record of an operator action. Entries are
// never mutated; retention cleanup removes them together with their jobs.
type AuditEntry struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	Action      Action    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Metadata    string    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
