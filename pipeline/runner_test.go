package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
	qafilatest "github.com/teranos/qafila/internal/testing"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/record"
)

type runnerFixture struct {
	runner *Runner
	flags  flag.Store
	jobs   *job.Store
	job    *job.Job
}

func newRunnerFixture(t *testing.T, jobType string) *runnerFixture {
	t.Helper()

	jobs := job.NewStore(qafilatest.CreateTestDB(t))
	flags := flag.NewMemoryStore()

	j, err := job.New(jobType, 5)
	require.NoError(t, err)
	require.NoError(t, jobs.Create(j))
	claimed, err := jobs.TryClaim(j.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	return &runnerFixture{
		runner: NewRunner(flags, jobs, broadcast.New(), nil),
		flags:  flags,
		jobs:   jobs,
		job:    j,
	}
}

func (f *runnerFixture) progress(t *testing.T) float64 {
	t.Helper()
	j, err := f.jobs.Get(f.job.ID)
	require.NoError(t, err)
	return j.ProgressPercent
}

// tracker remembers which items each Process call saw.
type tracker struct {
	mu        sync.Mutex
	processed []string
}

func (tr *tracker) process(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.processed = append(tr.processed, item.ID)
	if dryRun {
		return record.Skipped, nil
	}
	return record.Inserted, nil
}

func (tr *tracker) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.processed)
}

func numberedItems(prefix string, n int) func(context.Context) ([]WorkItem, error) {
	return func(context.Context) ([]WorkItem, error) {
		items := make([]WorkItem, n)
		for i := range items {
			items[i] = WorkItem{ID: fmt.Sprintf("%s-%d", prefix, i)}
		}
		return items, nil
	}
}

func TestRunCompletesAllStages(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")
	tr := &tracker{}

	p, err := New("catalog-sync",
		Stage{Name: "chapters", Weight: 40, Items: numberedItems("ch", 4), Process: tr.process},
		Stage{Name: "verses", Weight: 60, Items: numberedItems("v", 6), Process: tr.process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Completed, outcome.Kind)
	require.Nil(t, outcome.Checkpoint)
	require.Equal(t, 10, tr.count())

	require.Len(t, outcome.Results, 2)
	require.Equal(t, "chapters", outcome.Results[0].Resource)
	require.Equal(t, 4, outcome.Results[0].RecordsProcessed)
	require.Equal(t, 4, outcome.Results[0].RecordsInserted)
	require.Equal(t, 6, outcome.Results[1].RecordsProcessed)

	require.Equal(t, 100.0, f.progress(t))
}

func TestRunWeightedProgressAndPauseCheckpoint(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	var afterStageOne float64
	var processedStageTwo int
	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		return record.Inserted, nil
	}
	processStageTwo := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		if processedStageTwo == 0 {
			// Stage one's boundary publish has landed by now.
			afterStageOne = f.progress(t)
		}
		processedStageTwo++
		if processedStageTwo == 5 {
			require.NoError(t, f.flags.Set(f.job.ID, flag.Pause, true))
		}
		return record.Updated, nil
	}

	p, err := New("catalog-sync",
		Stage{Name: "one", Weight: 20, Items: numberedItems("a", 10), Process: process},
		Stage{Name: "two", Weight: 50, Items: numberedItems("b", 10), Process: processStageTwo},
		Stage{Name: "three", Weight: 30, Items: numberedItems("c", 10), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Paused, outcome.Kind)
	require.NotNil(t, outcome.Checkpoint)
	require.Equal(t, Checkpoint{StageIndex: 1, ItemsDone: 5}, *outcome.Checkpoint)

	require.Equal(t, 20.0, afterStageOne, "full first-stage weight after its boundary")
	require.Equal(t, 45.0, f.progress(t), "20 + 50*5/10 at the pause point")
}

func TestRunResumeProcessesEachItemExactlyOnce(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")
	tr := &tracker{}

	var once sync.Once
	pausingProcess := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		result, err := tr.process(ctx, item, dryRun)
		if item.ID == "b-4" {
			once.Do(func() {
				require.NoError(t, f.flags.Set(f.job.ID, flag.Pause, true))
			})
		}
		return result, err
	}

	p, err := New("catalog-sync",
		Stage{Name: "one", Weight: 20, Items: numberedItems("a", 10), Process: tr.process},
		Stage{Name: "two", Weight: 50, Items: numberedItems("b", 10), Process: pausingProcess},
		Stage{Name: "three", Weight: 30, Items: numberedItems("c", 10), Process: tr.process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Paused, outcome.Kind)
	require.Equal(t, 15, tr.count(), "10 of stage one plus 5 of stage two before the pause")

	require.NoError(t, f.flags.Clear(f.job.ID))
	outcome = f.runner.Run(context.Background(), f.job, p, Options{Resume: outcome.Checkpoint})
	require.Equal(t, Completed, outcome.Kind)

	seen := make(map[string]int)
	for _, id := range tr.processed {
		seen[id]++
	}
	require.Len(t, seen, 30)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s processed more than once across the pause", id)
	}
}

func TestRunCancelWinsOverPause(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")
	tr := &tracker{}

	require.NoError(t, f.flags.Set(f.job.ID, flag.Pause, true))
	require.NoError(t, f.flags.Set(f.job.ID, flag.Cancel, true))

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 5), Process: tr.process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Cancelled, outcome.Kind)
	require.Nil(t, outcome.Checkpoint, "a cancelled run leaves nothing to resume")
	require.Equal(t, 0, tr.count())
}

func TestRunCancelMidStageFreezesProgress(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	var processed int
	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		processed++
		if processed == 5 {
			require.NoError(t, f.flags.Set(f.job.ID, flag.Cancel, true))
		}
		return record.Inserted, nil
	}

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 10), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{ProgressStride: 3})
	require.Equal(t, Cancelled, outcome.Kind)
	require.Equal(t, 5, processed)
	require.Equal(t, 30.0, f.progress(t),
		"progress stays at the last stride publish, no update at the cancel point")

	require.Len(t, outcome.Results, 1)
	require.Equal(t, 5, outcome.Results[0].RecordsProcessed)
}

func TestRunItemFailureDoesNotAbortStage(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		if item.ID == "x-3" {
			return "", errors.New("payload rejected")
		}
		return record.Inserted, nil
	}

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 6), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Completed, outcome.Kind, "one bad item must not fail the run")

	result := outcome.Results[0]
	require.Equal(t, 6, result.RecordsProcessed)
	require.Equal(t, 5, result.RecordsInserted)
	require.Equal(t, 1, result.RecordsFailed)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "x-3")
	require.Zero(t, result.ErrorsTruncated)
}

func TestRunErrorListIsCapped(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		return "", errors.New("boom")
	}

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 30), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Completed, outcome.Kind)

	result := outcome.Results[0]
	require.Equal(t, 30, result.RecordsFailed)
	require.Len(t, result.Errors, maxRecordedErrors)
	require.Equal(t, 5, result.ErrorsTruncated)
}

func TestRunFailsWhenStageCannotEnumerate(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")
	tr := &tracker{}

	p, err := New("catalog-sync",
		Stage{Name: "one", Weight: 50, Items: numberedItems("a", 2), Process: tr.process},
		Stage{Name: "two", Weight: 50,
			Items: func(context.Context) ([]WorkItem, error) {
				return nil, errors.New("upstream listing unavailable")
			},
			Process: tr.process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Failed, outcome.Kind)
	require.ErrorContains(t, outcome.Err, "two")
	require.Len(t, outcome.Results, 1, "the completed first stage is still reported")
}

func TestRunDryRunWritesNothing(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	var writes int
	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		if !dryRun {
			writes++
			return record.Inserted, nil
		}
		return record.Skipped, nil
	}

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 4), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{DryRun: true})
	require.Equal(t, Completed, outcome.Kind)
	require.Zero(t, writes)

	result := outcome.Results[0]
	require.Equal(t, 4, result.RecordsProcessed)
	require.Zero(t, result.RecordsInserted)
	require.Zero(t, result.RecordsUpdated)
}

func TestRunProgressNeverDecreasesOnResume(t *testing.T) {
	f := newRunnerFixture(t, "catalog-sync")

	var once sync.Once
	process := func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error) {
		if item.ID == "x-7" {
			once.Do(func() {
				require.NoError(t, f.flags.Set(f.job.ID, flag.Pause, true))
			})
		}
		return record.Inserted, nil
	}

	p, err := New("catalog-sync",
		Stage{Name: "only", Weight: 100, Items: numberedItems("x", 10), Process: process},
	)
	require.NoError(t, err)

	outcome := f.runner.Run(context.Background(), f.job, p, Options{})
	require.Equal(t, Paused, outcome.Kind)
	require.Equal(t, 80.0, f.progress(t))

	// The resumed run republishes from the checkpoint; the ledger keeps the
	// monotone maximum throughout.
	require.NoError(t, f.flags.Clear(f.job.ID))
	outcome = f.runner.Run(context.Background(), f.job, p, Options{Resume: outcome.Checkpoint})
	require.Equal(t, Completed, outcome.Kind)
	require.Equal(t, 100.0, f.progress(t))
}
