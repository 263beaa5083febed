// Package worker runs claimed jobs through their pipelines. The pool claims
// pending jobs under per-type concurrency caps; the supervisor executes one
// job, enforces its timeout, and persists the resulting ledger transition.
package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/pipeline"
	"github.com/teranos/qafila/schedule"
)

// Job metadata keys the supervisor owns.
const (
	MetaCheckpoint = "checkpoint"
	MetaResults    = "results"
	MetaAttempts   = "attempts"
	MetaDryRun     = "dry_run"
)

// cancelGracePeriod is how long a timed-out run gets to honor the cancel
// flag before its context is pulled out from under it.
const cancelGracePeriod = 30 * time.Second

// Registry resolves a job type to its pipeline.
type Registry interface {
	Pipeline(jobType string) (*pipeline.Pipeline, error)
}

// Settings are the per-type execution limits, sourced from the job type's
// schedule when one exists.
type Settings struct {
	MaxConcurrency int
	TimeoutMinutes int
	RetryAttempts  int
}

// DefaultSettings apply to job types without a schedule row.
func DefaultSettings() Settings {
	return Settings{MaxConcurrency: 1, TimeoutMinutes: 60, RetryAttempts: 0}
}

// Supervisor executes one claimed job end to end. The runner reports an
// outcome and never touches status; every ledger transition out of running
// happens here.
type Supervisor struct {
	jobs        *job.Store
	flags       flag.Store
	runner      *pipeline.Runner
	registry    Registry
	schedules   *schedule.Store // optional, nil means DefaultSettings for all types
	broadcaster *broadcast.Broadcaster
	log         *zap.SugaredLogger
}

// NewSupervisor wires a supervisor. schedules and broadcaster may be nil.
func NewSupervisor(jobs *job.Store, flags flag.Store, runner *pipeline.Runner, registry Registry,
	schedules *schedule.Store, broadcaster *broadcast.Broadcaster, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		jobs:        jobs,
		flags:       flags,
		runner:      runner,
		registry:    registry,
		schedules:   schedules,
		broadcaster: broadcaster,
		log:         log,
	}
}

// SettingsFor returns the execution limits for a job type.
func (s *Supervisor) SettingsFor(jobType string) Settings {
	settings := DefaultSettings()
	if s.schedules == nil {
		return settings
	}
	sched, err := s.schedules.GetByType(jobType)
	if err != nil {
		if !errors.IsNotFound(err) {
			s.log.Warnw("Failed to load schedule settings", "job_type", jobType, "error", err)
		}
		return settings
	}
	if sched.MaxConcurrency > 0 {
		settings.MaxConcurrency = sched.MaxConcurrency
	}
	if sched.TimeoutMinutes > 0 {
		settings.TimeoutMinutes = sched.TimeoutMinutes
	}
	if sched.RetryAttempts > 0 {
		settings.RetryAttempts = sched.RetryAttempts
	}
	return settings
}

// Execute runs one already-claimed job. It blocks until the run ends and the
// transition is persisted.
func (s *Supervisor) Execute(ctx context.Context, j *job.Job) {
	settings := s.SettingsFor(j.Type)
	s.execute(ctx, j, settings, time.Duration(settings.TimeoutMinutes)*time.Minute)
}

func (s *Supervisor) execute(ctx context.Context, j *job.Job, settings Settings, timeout time.Duration) {
	log := s.log.With("job_id", j.ID, "job_type", j.Type)
	s.publishStatus(j)

	p, err := s.registry.Pipeline(j.Type)
	if err != nil {
		log.Errorw("No pipeline for job type", "error", err)
		s.finishFailed(j, errors.Wrapf(err, "no pipeline for job type %s", j.Type))
		return
	}

	opts := pipeline.Options{DryRun: j.Meta(MetaDryRun) == "true"}
	if raw := j.Meta(MetaCheckpoint); raw != "" {
		checkpoint, err := pipeline.DecodeCheckpoint(raw)
		if err != nil {
			log.Warnw("Discarding corrupt checkpoint, restarting from scratch", "error", err)
		} else {
			opts.Resume = checkpoint
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Timeout first asks the run to stop via the cancel flag; only after the
	// grace period does it cancel the context outright.
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		if err := s.flags.Set(j.ID, flag.Cancel, true); err != nil {
			log.Errorw("Failed to set timeout cancel flag", "error", err)
		}
		log.Warnw("Job timed out, cancel requested", "timeout", timeout)
		time.AfterFunc(cancelGracePeriod, cancelRun)
	})
	defer timer.Stop()

	outcome := s.runner.Run(runCtx, j, p, opts)
	timer.Stop()

	s.persistOutcome(j.ID, outcome, settings, timeout, timedOut.Load(), log)
}

// persistOutcome loads the job fresh (the runner has been updating progress
// behind our copy) and applies exactly one ledger transition.
func (s *Supervisor) persistOutcome(jobID string, outcome pipeline.Outcome, settings Settings, timeout time.Duration, timedOut bool, log *zap.SugaredLogger) {
	j, err := s.jobs.Get(jobID)
	if err != nil {
		log.Errorw("Failed to reload job for outcome", "error", err)
		return
	}

	s.appendResults(j, outcome.Results, log)

	switch outcome.Kind {
	case pipeline.Completed:
		delete(j.Metadata, MetaCheckpoint)
		delete(j.Metadata, MetaAttempts)
		j.MarkCompleted()
		log.Infow("Job completed")

	case pipeline.Paused:
		if outcome.Checkpoint != nil {
			encoded, err := outcome.Checkpoint.Encode()
			if err != nil {
				log.Errorw("Failed to encode checkpoint", "error", err)
			} else {
				j.SetMeta(MetaCheckpoint, encoded)
			}
		}
		j.MarkPaused()
		log.Infow("Job paused", "checkpoint", j.Meta(MetaCheckpoint))

	case pipeline.Cancelled:
		delete(j.Metadata, MetaCheckpoint)
		if timedOut {
			j.MarkFailed(errors.Newf("run exceeded %s timeout", timeout))
			log.Warnw("Job failed on timeout")
		} else {
			j.MarkCancelled("cancelled by operator")
			log.Infow("Job cancelled")
		}

	case pipeline.Failed:
		delete(j.Metadata, MetaCheckpoint)
		attempts := s.attempts(j)
		if attempts < settings.RetryAttempts {
			j.SetMeta(MetaAttempts, strconv.Itoa(attempts+1))
			j.Requeue()
			log.Warnw("Job failed, requeued for retry",
				"attempt", attempts+1, "retry_attempts", settings.RetryAttempts, "error", outcome.Err)
		} else {
			j.MarkFailed(outcome.Err)
			log.Errorw("Job failed", "error", outcome.Err)
		}
	}

	if err := s.jobs.Update(j); err != nil {
		log.Errorw("Failed to persist job transition", "status", j.Status, "error", err)
		return
	}
	if err := s.flags.Clear(j.ID); err != nil {
		log.Warnw("Failed to clear control flags", "error", err)
	}
	s.publishStatus(j)
}

// appendResults merges this run's stage results onto any stored from earlier
// runs of the same job id (pause and resume produce several partial runs).
func (s *Supervisor) appendResults(j *job.Job, results []pipeline.SyncResult, log *zap.SugaredLogger) {
	if len(results) == 0 {
		return
	}

	var all []pipeline.SyncResult
	if raw := j.Meta(MetaResults); raw != "" {
		if err := json.Unmarshal([]byte(raw), &all); err != nil {
			log.Warnw("Discarding unreadable stored results", "error", err)
			all = nil
		}
	}
	all = append(all, results...)

	encoded, err := json.Marshal(all)
	if err != nil {
		log.Errorw("Failed to encode stage results", "error", err)
		return
	}
	j.SetMeta(MetaResults, string(encoded))
}

func (s *Supervisor) attempts(j *job.Job) int {
	n, err := strconv.Atoi(j.Meta(MetaAttempts))
	if err != nil {
		return 0
	}
	return n
}

func (s *Supervisor) finishFailed(j *job.Job, cause error) {
	j.MarkFailed(cause)
	if err := s.jobs.Update(j); err != nil {
		s.log.Errorw("Failed to persist failure", "job_id", j.ID, "error", err)
		return
	}
	if err := s.flags.Clear(j.ID); err != nil {
		s.log.Warnw("Failed to clear control flags", "job_id", j.ID, "error", err)
	}
	s.publishStatus(j)
}

func (s *Supervisor) publishStatus(j *job.Job) {
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
