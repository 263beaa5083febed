package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
	qafilatest "github.com/teranos/qafila/internal/testing"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/pipeline"
	"github.com/teranos/qafila/record"
	"github.com/teranos/qafila/schedule"
)

type fakeRegistry struct {
	pipelines map[string]*pipeline.Pipeline
}

func (r *fakeRegistry) Pipeline(jobType string) (*pipeline.Pipeline, error) {
	p, ok := r.pipelines[jobType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "pipeline for %s", jobType)
	}
	return p, nil
}

type workerFixture struct {
	conn       *sql.DB
	jobs       *job.Store
	flags      flag.Store
	schedules  *schedule.Store
	registry   *fakeRegistry
	supervisor *Supervisor
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	conn := qafilatest.CreateTestDB(t)
	jobs := job.NewStore(conn)
	flags := flag.NewMemoryStore()
	schedules := schedule.NewStore(conn)
	registry := &fakeRegistry{pipelines: make(map[string]*pipeline.Pipeline)}
	runner := pipeline.NewRunner(flags, jobs, broadcast.New(), nil)
	supervisor := NewSupervisor(jobs, flags, runner, registry, schedules, broadcast.New(), nil)
	return &workerFixture{
		conn:       conn,
		jobs:       jobs,
		flags:      flags,
		schedules:  schedules,
		registry:   registry,
		supervisor: supervisor,
	}
}

func (f *workerFixture) claimedJob(t *testing.T, jobType string) *job.Job {
	t.Helper()
	j, err := job.New(jobType, 5)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(j))
	claimed, err := f.jobs.TryClaim(j.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	fresh, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	return fresh
}

func itemsN(n int) func(context.Context) ([]pipeline.WorkItem, error) {
	return func(context.Context) ([]pipeline.WorkItem, error) {
		items := make([]pipeline.WorkItem, n)
		for i := range items {
			items[i] = pipeline.WorkItem{ID: string(rune('a' + i))}
		}
		return items, nil
	}
}

func okProcess(context.Context, pipeline.WorkItem, bool) (record.WriteResult, error) {
	return record.Inserted, nil
}

func mustPipeline(t *testing.T, jobType string, stages ...pipeline.Stage) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(jobType, stages...)
	require.NoError(t, err)
	return p
}

func TestExecuteCompletesAndStoresResults(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(3), Process: okProcess},
	)

	j := f.claimedJob(t, "catalog-sync")
	f.supervisor.Execute(context.Background(), j)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 100.0, got.ProgressPercent)
	require.NotNil(t, got.CompletedAt)

	var results []pipeline.SyncResult
	require.NoError(t, json.Unmarshal([]byte(got.Meta(MetaResults)), &results))
	require.Len(t, results, 1)
	require.Equal(t, "chapters", results[0].Resource)
	require.Equal(t, 3, results[0].RecordsProcessed)
	require.Equal(t, 3, results[0].RecordsInserted)
}

func TestExecutePauseThenResumeMergesResults(t *testing.T) {
	f := newWorkerFixture(t)

	var processed atomic.Int32
	var pauseOnce sync.Once
	var jobID string
	process := func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		if processed.Add(1) == 2 {
			pauseOnce.Do(func() {
				require.NoError(t, f.flags.Set(jobID, flag.Pause, true))
			})
		}
		return record.Inserted, nil
	}
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(5), Process: process},
	)

	j := f.claimedJob(t, "catalog-sync")
	jobID = j.ID
	f.supervisor.Execute(context.Background(), j)

	paused, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPaused, paused.Status)
	require.JSONEq(t, `{"stage_index":0,"items_done":2}`, paused.Meta(MetaCheckpoint))

	fl, err := f.flags.Get(j.ID)
	require.NoError(t, err)
	require.False(t, fl.Pause, "flags are cleared once the pause lands")

	// Operator resume: back to pending, then a worker claims and finishes it.
	paused.Requeue()
	require.NoError(t, f.jobs.Update(paused))
	claimed, err := f.jobs.TryClaim(j.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	resumed, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	f.supervisor.Execute(context.Background(), resumed)

	done, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, done.Status)
	require.Empty(t, done.Meta(MetaCheckpoint), "checkpoint removed on completion")
	require.Equal(t, int32(5), processed.Load(), "each item processed exactly once")

	var results []pipeline.SyncResult
	require.NoError(t, json.Unmarshal([]byte(done.Meta(MetaResults)), &results))
	require.Len(t, results, 2, "one partial result per run")
	require.Equal(t, 2, results[0].RecordsProcessed)
	require.Equal(t, 3, results[1].RecordsProcessed)
}

func TestExecuteOperatorCancel(t *testing.T) {
	f := newWorkerFixture(t)

	var jobID string
	process := func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		require.NoError(t, f.flags.Set(jobID, flag.Cancel, true))
		return record.Inserted, nil
	}
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(5), Process: process},
	)

	j := f.claimedJob(t, "catalog-sync")
	jobID = j.ID
	f.supervisor.Execute(context.Background(), j)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	require.Empty(t, got.Meta(MetaCheckpoint))
}

func TestExecuteTimeoutFailsJob(t *testing.T) {
	f := newWorkerFixture(t)

	process := func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		time.Sleep(20 * time.Millisecond)
		return record.Inserted, nil
	}
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(20), Process: process},
	)

	j := f.claimedJob(t, "catalog-sync")
	f.supervisor.execute(context.Background(), j, DefaultSettings(), 50*time.Millisecond)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "timeout")
}

func TestExecuteRetriesFailedRuns(t *testing.T) {
	f := newWorkerFixture(t)

	sched, err := schedule.New("catalog-sync", "0 3 * * *")
	require.NoError(t, err)
	sched.RetryAttempts = 2
	require.NoError(t, f.schedules.Create(sched))

	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100,
			Items: func(context.Context) ([]pipeline.WorkItem, error) {
				return nil, errors.New("listing unavailable")
			},
			Process: okProcess},
	)

	j := f.claimedJob(t, "catalog-sync")
	f.supervisor.Execute(context.Background(), j)

	after, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, after.Status, "first failure requeues")
	require.Equal(t, "1", after.Meta(MetaAttempts))

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := f.jobs.TryClaim(j.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		fresh, err := f.jobs.Get(j.ID)
		require.NoError(t, err)
		f.supervisor.Execute(context.Background(), fresh)
	}

	final, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, final.Status, "retry budget exhausted")
	require.Contains(t, final.ErrorMessage, "listing unavailable")
}

func TestExecuteUnknownTypeFails(t *testing.T) {
	f := newWorkerFixture(t)
	j := f.claimedJob(t, "no-such-pipeline")
	f.supervisor.Execute(context.Background(), j)

	got, err := f.jobs.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
}

func TestSettingsForUsesScheduleRow(t *testing.T) {
	f := newWorkerFixture(t)

	require.Equal(t, DefaultSettings(), f.supervisor.SettingsFor("catalog-sync"))

	sched, err := schedule.New("catalog-sync", "0 3 * * *")
	require.NoError(t, err)
	sched.MaxConcurrency = 3
	sched.TimeoutMinutes = 15
	sched.RetryAttempts = 1
	require.NoError(t, f.schedules.Create(sched))

	got := f.supervisor.SettingsFor("catalog-sync")
	require.Equal(t, Settings{MaxConcurrency: 3, TimeoutMinutes: 15, RetryAttempts: 1}, got)
}

func TestPoolRunsJobsAndRecoversOrphans(t *testing.T) {
	f := newWorkerFixture(t)

	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(1), Process: okProcess},
	)

	service := job.NewService(f.jobs, f.flags, nil, nil)
	queued, err := service.Enqueue("catalog-sync", 50, "tester")
	require.NoError(t, err)

	// An orphan from a previous process: stuck running with a checkpoint.
	orphan := f.claimedJob(t, "catalog-sync")
	orphanRow, err := f.jobs.Get(orphan.ID)
	require.NoError(t, err)
	orphanRow.SetMeta(MetaCheckpoint, `{"stage_index":0,"items_done":0}`)
	require.NoError(t, f.jobs.Update(orphanRow))

	pool := NewPool(context.Background(), f.jobs, f.supervisor,
		PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range []string{queued.ID, orphan.ID} {
			j, err := f.jobs.Get(id)
			if err != nil || j.Status != job.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "all jobs including the orphan complete")
}

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	f := newWorkerFixture(t)

	started := make(chan struct{})
	var startOnce sync.Once
	process := func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		startOnce.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return record.Inserted, nil
	}
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(5), Process: process},
	)

	service := job.NewService(f.jobs, f.flags, nil, nil)
	queued, err := service.Enqueue("catalog-sync", 50, "tester")
	require.NoError(t, err)

	pool := NewPool(context.Background(), f.jobs, f.supervisor,
		PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, pool.Start())

	<-started
	pool.Stop()

	got, err := f.jobs.Get(queued.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status, "shutdown lets the claimed run finish")
	require.Empty(t, got.ErrorMessage)
}

func TestPoolHonorsPerTypeConcurrencyCap(t *testing.T) {
	f := newWorkerFixture(t)

	sched, err := schedule.New("catalog-sync", "0 3 * * *")
	require.NoError(t, err)
	sched.MaxConcurrency = 1
	require.NoError(t, f.schedules.Create(sched))

	var inFlight, maxInFlight atomic.Int32
	process := func(ctx context.Context, item pipeline.WorkItem, dryRun bool) (record.WriteResult, error) {
		n := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return record.Inserted, nil
	}
	f.registry.pipelines["catalog-sync"] = mustPipeline(t, "catalog-sync",
		pipeline.Stage{Name: "chapters", Weight: 100, Items: itemsN(2), Process: process},
	)

	service := job.NewService(f.jobs, f.flags, nil, nil)
	first, err := service.Enqueue("catalog-sync", 5, "tester")
	require.NoError(t, err)
	second, err := service.Enqueue("catalog-sync", 5, "tester")
	require.NoError(t, err)

	pool := NewPool(context.Background(), f.jobs, f.supervisor,
		PoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range []string{first.ID, second.ID} {
			j, err := f.jobs.Get(id)
			if err != nil || j.Status != job.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, int32(1), maxInFlight.Load(), "same-type jobs never overlap past the cap")
}
