package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/qafila/job"
)

// DefaultTickInterval is how often the ticker checks for due schedules.
const DefaultTickInterval = 1 * time.Second

// Ticker enqueues jobs for due schedules. A due schedule whose job type
// already has an active job (pending, running, or paused) is skipped and its
// next run advanced, so the scheduler never stacks duplicate work.
type Ticker struct {
	store    *Store
	jobs     *job.Service
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
}

// NewTicker creates a ticker over the schedule store and the job service.
func NewTicker(ctx context.Context, store *Store, jobs *job.Service, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:    store,
		jobs:     jobs,
		interval: interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		log:      log,
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Schedule ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Schedule ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.mu.Unlock()
			t.Tick(tickTime)
		}
	}
}

// Tick processes every schedule due at now. Exported so tests and operator
// tooling can fire a check without waiting for the interval.
func (t *Ticker) Tick(now time.Time) {
	due, err := t.store.ListDue(now)
	if err != nil {
		t.log.Errorw("Failed to list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		next, err := sched.NextAfter(now)
		if err != nil {
			t.log.Errorw("Schedule has unparseable cron expression",
				"schedule_id", sched.ID, "job_type", sched.JobType, "error", err)
			continue
		}

		active, err := t.jobs.Store().FindActiveByType(sched.JobType)
		if err != nil {
			t.log.Errorw("Failed to check for active jobs",
				"job_type", sched.JobType, "error", err)
			continue
		}
		if active != nil {
			// Still working on the previous run; skip this firing entirely.
			if err := t.store.Advance(sched.ID, next); err != nil {
				t.log.Errorw("Failed to advance skipped schedule",
					"schedule_id", sched.ID, "error", err)
			}
			t.log.Debugw("Schedule skipped, job still active",
				"job_type", sched.JobType, "active_job_id", active.ID, "active_status", active.Status)
			continue
		}

		enqueued, err := t.jobs.Enqueue(sched.JobType, sched.Priority, "scheduler")
		if err != nil {
			t.log.Errorw("Failed to enqueue scheduled job",
				"job_type", sched.JobType, "error", err)
			continue
		}
		if err := t.store.MarkRun(sched.ID, now, next); err != nil {
			t.log.Errorw("Failed to record schedule run",
				"schedule_id", sched.ID, "error", err)
		}
		t.log.Infow("Scheduled job enqueued",
			"job_id", enqueued.ID, "job_type", sched.JobType, "next_run_at", next)
	}
}
