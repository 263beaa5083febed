package job

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
)

// Progress is the answer to a progress query.
type Progress struct {
	Percent     float64   `json:"percent"`
	LastUpdated time.Time `json:"last_updated"`
}

// Service implements the operator control surface over the job ledger:
// enqueue, pause, resume, cancel, delete, priority changes, queries.
//
// Pause and cancel of a running job are asynchronous by design: the action
// sets a control flag that the in-flight runner observes at its next
// per-item checkpoint, and the status transition is persisted by the worker
// supervisor when the runner returns. The delay is bounded by checkpoint
// granularity. Paused and pending jobs transition synchronously here.
type Service struct {
	store       *Store
	flags       flag.Store
	broadcaster *broadcast.Broadcaster
	log         *zap.SugaredLogger
}

// NewService creates the control-action service.
func NewService(store *Store, flags flag.Store, broadcaster *broadcast.Broadcaster, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:       store,
		flags:       flags,
		broadcaster: broadcaster,
		log:         log,
	}
}

// Store exposes the underlying ledger store (used by the worker supervisor).
func (s *Service) Store() *Store {
	return s.store
}

// Enqueue creates a pending job for a pipeline family.
func (s *Service) Enqueue(jobType string, priority int, actor string) (*Job, error) {
	j, err := New(jobType, priority)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(j); err != nil {
		return nil, err
	}

	s.audit(j.ID, ActionEnqueue, actor, fmt.Sprintf(`{"type":%q,"priority":%d}`, jobType, priority))
	s.publishStatus(j)

	s.log.Infow("Job enqueued",
		"job_id", j.ID,
		"type", jobType,
		"priority", priority,
		"actor", actor,
	)
	return j, nil
}

// Pause requests that a running job pause at its next checkpoint.
func (s *Service) Pause(id, actor string) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if j.Status != StatusRunning {
		return s.illegal(j, ActionPause, "only running jobs can be paused")
	}

	if err := s.flags.Set(id, flag.Pause, true); err != nil {
		return errors.Wrapf(err, "failed to set pause flag for job %s", id)
	}

	s.audit(id, ActionPause, actor, "")
	s.publishControl(j, ActionPause, actor, nil)

	s.log.Infow("Pause requested", "job_id", id, "actor", actor)
	return nil
}

// Resume re-queues a paused job. The next run picks up from the checkpoint
// stored in the job's metadata, so items completed before the pause are not
// reprocessed.
func (s *Service) Resume(id, actor string) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if j.Status != StatusPaused {
		return s.illegal(j, ActionResume, "only paused jobs can be resumed")
	}

	if err := s.flags.Clear(id); err != nil {
		return errors.Wrapf(err, "failed to clear flags for job %s", id)
	}

	j.Requeue()
	if err := s.store.Update(j); err != nil {
		return err
	}

	s.audit(id, ActionResume, actor, "")
	s.publishControl(j, ActionResume, actor, nil)
	s.publishStatus(j)

	s.log.Infow("Job resumed", "job_id", id, "actor", actor)
	return nil
}

// Cancel stops a job. Pending and paused jobs are cancelled immediately;
// running jobs have the cancel flag set and transition when the runner
// observes it at a checkpoint. Cancel wins over a simultaneous pause.
func (s *Service) Cancel(id, actor string) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}

	switch j.Status {
	case StatusRunning:
		if err := s.flags.Set(id, flag.Cancel, true); err != nil {
			return errors.Wrapf(err, "failed to set cancel flag for job %s", id)
		}
		s.audit(id, ActionCancel, actor, "")
		s.publishControl(j, ActionCancel, actor, nil)
		s.log.Infow("Cancel requested", "job_id", id, "actor", actor)
		return nil

	case StatusPending, StatusPaused:
		j.MarkCancelled(fmt.Sprintf("cancelled by %s", actor))
		if err := s.store.Update(j); err != nil {
			return err
		}
		if err := s.flags.Clear(id); err != nil {
			return errors.Wrapf(err, "failed to clear flags for job %s", id)
		}
		s.audit(id, ActionCancel, actor, "")
		s.publishControl(j, ActionCancel, actor, nil)
		s.publishStatus(j)
		s.log.Infow("Job cancelled", "job_id", id, "actor", actor)
		return nil

	default:
		return s.illegal(j, ActionCancel, "job already reached a terminal state")
	}
}

// Delete removes a job from the ledger. Running jobs must be cancelled or
// paused first. A tombstone audit entry records the deletion.
func (s *Service) Delete(id, actor string) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if j.Status == StatusRunning {
		return s.illegal(j, ActionDelete, "running jobs cannot be deleted")
	}

	if err := s.store.Delete(id); err != nil {
		return err
	}
	if err := s.flags.Clear(id); err != nil {
		return errors.Wrapf(err, "failed to clear flags for job %s", id)
	}

	s.audit(id, ActionDelete, actor, fmt.Sprintf(`{"status_at_delete":%q}`, j.Status))
	s.publishControl(j, ActionDelete, actor, nil)

	s.log.Infow("Job deleted", "job_id", id, "actor", actor, "status_at_delete", j.Status)
	return nil
}

// SetPriority changes a job's claim priority (lower is sooner).
func (s *Service) SetPriority(id string, priority int, actor string) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}

	if j.Status.Terminal() {
		return s.illegal(j, ActionPriorityChange, "terminal jobs cannot be reprioritized")
	}

	old := j.Priority
	j.Priority = priority
	j.UpdatedAt = time.Now()
	if err := s.store.Update(j); err != nil {
		return err
	}

	s.audit(id, ActionPriorityChange, actor, fmt.Sprintf(`{"from":%d,"to":%d}`, old, priority))
	s.publishControl(j, ActionPriorityChange, actor, nil)

	s.log.Infow("Job priority changed", "job_id", id, "from", old, "to", priority, "actor", actor)
	return nil
}

// GetStatus returns the current ledger record for a job.
func (s *Service) GetStatus(id string) (*Job, error) {
	return s.store.Get(id)
}

// GetProgress returns the job's progress and when it last changed.
func (s *Service) GetProgress(id string) (*Progress, error) {
	j, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &Progress{Percent: j.ProgressPercent, LastUpdated: j.UpdatedAt}, nil
}

// List returns jobs matching the filter with pagination.
func (s *Service) List(f Filter) (*Page, error) {
	return s.store.List(f)
}

// Audit returns a job's audit trail in operator order.
func (s *Service) Audit(id string) ([]*AuditEntry, error) {
	return s.store.ListAudit(id)
}

// illegal builds the precondition error for a rejected control action.
// The job is left untouched.
func (s *Service) illegal(j *Job, action Action, reason string) error {
	err := errors.Wrapf(errors.ErrIllegalTransition, "cannot %s job %s", action, j.ID)
	err = errors.WithDetailf(err, "Current status: %s", j.Status)
	err = errors.WithDetail(err, reason)
	return err
}

func (s *Service) audit(jobID string, action Action, actor, metadata string) {
	entry := &AuditEntry{
		JobID:       jobID,
		Action:      action,
		PerformedBy: actor,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
	if err := s.store.AppendAudit(entry); err != nil {
		s.log.Warnw("Failed to append audit entry",
			"job_id", jobID,
			"action", action,
			"error", err,
		)
	}
}

func (s *Service) publishStatus(j *Job) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(broadcast.Event{
		Type:     broadcast.EventStatusChanged,
		JobID:    j.ID,
		JobType:  j.Type,
		Status:   string(j.Status),
		Progress: j.ProgressPercent,
		Error:    j.ErrorMessage,
	})
}

func (s *Service) publishControl(j *Job, action Action, actor string, actionErr error) {
	if s.broadcaster == nil {
		return
	}
	event := broadcast.Event{
		Type:    broadcast.EventControlResult,
		JobID:   j.ID,
		JobType: j.Type,
		Status:  string(j.Status),
		Action:  string(action),
		Actor:   actor,
	}
	if actionErr != nil {
		event.Error = actionErr.Error()
	}
	s.broadcaster.Publish(event)
}
