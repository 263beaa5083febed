package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
	"github.com/teranos/qafila/job"
)

// defaultProgressStride is how many items a stage processes between progress
// updates. Stage boundaries and pauses always publish regardless of stride.
const defaultProgressStride = 10

// Options tunes a single run.
type Options struct {
	// DryRun processes items without writes or pacing delays.
	DryRun bool
	// Resume starts the run at a checkpoint from a previous paused run.
	Resume *Checkpoint
	// ProgressStride overrides defaultProgressStride when positive.
	ProgressStride int
}

// Runner executes pipelines against the control-flag store. It owns progress
// reporting but never job status; the outcome tells the supervisor which
// transition to persist.
type Runner struct {
	flags       flag.Store
	jobs        *job.Store
	broadcaster *broadcast.Broadcaster
	log         *zap.SugaredLogger
}

// NewRunner creates a runner. broadcaster may be nil for callers that do not
// stream progress.
func NewRunner(flags flag.Store, jobs *job.Store, broadcaster *broadcast.Broadcaster, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{flags: flags, jobs: jobs, broadcaster: broadcaster, log: log}
}

// Run executes the pipeline for one job. Control flags are observed before
// every item: cancel wins over pause when both are set, pause returns a
// checkpoint at the item boundary so the item in flight when the flag was set
// is never re-processed on resume.
//
// A failing item is recorded in the stage result and the run continues; only
// a stage that cannot enumerate its items, or a dying context, aborts the
// whole run.
func (r *Runner) Run(ctx context.Context, j *job.Job, p *Pipeline, opts Options) Outcome {
	stride := opts.ProgressStride
	if stride <= 0 {
		stride = defaultProgressStride
	}

	startStage := 0
	startItem := 0
	if opts.Resume != nil {
		if opts.Resume.StageIndex >= len(p.Stages) {
			return Outcome{Kind: Failed, Err: errors.Newf(
				"checkpoint stage %d out of range for pipeline %s with %d stages",
				opts.Resume.StageIndex, p.JobType, len(p.Stages))}
		}
		startStage = opts.Resume.StageIndex
		startItem = opts.Resume.ItemsDone
		r.log.Infow("Resuming from checkpoint",
			"job_id", j.ID, "stage_index", startStage, "items_done", startItem)
	}

	log := r.log.With("job_id", j.ID, "job_type", j.Type)
	var results []SyncResult

	for s := startStage; s < len(p.Stages); s++ {
		stage := p.Stages[s]
		stageStart := time.Now()
		stageLog := log.With("stage", stage.Name)

		items, err := stage.Items(ctx)
		if err != nil {
			return Outcome{Kind: Failed, Results: results,
				Err: errors.Wrapf(err, "stage %s failed to enumerate items", stage.Name)}
		}

		start := 0
		if s == startStage && startItem > 0 {
			if startItem > len(items) {
				startItem = len(items)
			}
			start = startItem
		}

		var limiter *rate.Limiter
		if stage.Delay > 0 && !opts.DryRun {
			limiter = rate.NewLimiter(rate.Every(stage.Delay), 1)
		}

		result := SyncResult{Resource: stage.Name}
		stageLog.Infow("Stage started", "items", len(items)-start, "dry_run", opts.DryRun)

		for idx := start; idx < len(items); idx++ {
			if err := ctx.Err(); err != nil {
				result.DurationMs = time.Since(stageStart).Milliseconds()
				return Outcome{Kind: Failed, Results: append(results, result),
					Err: errors.Wrapf(err, "run aborted in stage %s", stage.Name)}
			}

			flags, err := r.flags.Get(j.ID)
			if err != nil {
				stageLog.Warnw("Failed to read control flags", "error", err)
			}
			if flags.Cancel {
				// Progress stays frozen at the last published value.
				result.DurationMs = time.Since(stageStart).Milliseconds()
				stageLog.Infow("Cancel honored", "items_done", idx)
				return Outcome{Kind: Cancelled, Results: append(results, result)}
			}
			if flags.Pause {
				result.DurationMs = time.Since(stageStart).Milliseconds()
				percent := r.percent(p, s, idx, len(items))
				r.publishProgress(j, percent)
				stageLog.Infow("Pause honored", "items_done", idx, "progress", percent)
				return Outcome{
					Kind:       Paused,
					Checkpoint: &Checkpoint{StageIndex: s, ItemsDone: idx},
					Results:    append(results, result),
				}
			}

			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					result.DurationMs = time.Since(stageStart).Milliseconds()
					return Outcome{Kind: Failed, Results: append(results, result),
						Err: errors.Wrapf(err, "run aborted in stage %s", stage.Name)}
				}
			}

			item := items[idx]
			writeResult, err := stage.Process(ctx, item, opts.DryRun)
			if err != nil {
				if ctx.Err() != nil {
					result.DurationMs = time.Since(stageStart).Milliseconds()
					return Outcome{Kind: Failed, Results: append(results, result),
						Err: errors.Wrapf(ctx.Err(), "run aborted in stage %s", stage.Name)}
				}
				result.recordFailure(item.ID, err)
				stageLog.Warnw("Item failed", "item", item.ID, "error", err)
			} else {
				result.recordWrite(writeResult)
			}

			done := idx + 1
			if (done-start)%stride == 0 && done < len(items) {
				r.publishProgress(j, r.percent(p, s, done, len(items)))
			}
		}

		result.DurationMs = time.Since(stageStart).Milliseconds()
		results = append(results, result)
		r.publishProgress(j, r.percent(p, s+1, 0, 0))
		stageLog.Infow("Stage finished",
			"processed", result.RecordsProcessed, "failed", result.RecordsFailed)
	}

	return Outcome{Kind: Completed, Results: results}
}

// percent computes weighted progress: full weight for every stage before
// stageIdx plus the proportional share of the current stage.
func (r *Runner) percent(p *Pipeline, stageIdx, done, total int) float64 {
	percent := 0.0
	for i := 0; i < stageIdx && i < len(p.Stages); i++ {
		percent += float64(p.Stages[i].Weight)
	}
	if stageIdx < len(p.Stages) && total > 0 {
		percent += float64(p.Stages[stageIdx].Weight) * float64(done) / float64(total)
	}
	return percent
}

func (r *Runner) publishProgress(j *job.Job, percent float64) {
	if r.jobs != nil {
		if err := r.jobs.UpdateProgress(j.ID, percent); err != nil {
			r.log.Warnw("Failed to persist progress", "job_id", j.ID, "error", err)
		}
	}
	if r.broadcaster != nil {
		r.broadcaster.Publish(broadcast.Event{
			Type:     broadcast.EventProgress,
			JobID:    j.ID,
			JobType:  j.Type,
			Status:   string(job.StatusRunning),
			Progress: percent,
		})
	}
}
