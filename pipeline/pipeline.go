// Package pipeline executes multi-stage sync runs with cooperative pause and
// cancel, checkpoint-based resume, weighted progress, and per-item failure
// isolation. The runner never writes job status; it reports an Outcome and
// the worker supervisor owns the ledger transition.
package pipeline

import (
	"context"
	"time"

	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/record"
)

// WorkItem is one unit of stage work. ID is the stable identifier used in
// checkpoints, logs, and failure reports; Data carries whatever the stage's
// Items function wants to hand its Process function.
type WorkItem struct {
	ID   string
	Data any
}

// ProcessFunc handles one work item. When dryRun is true it must perform no
// writes and should return record.Skipped.
type ProcessFunc func(ctx context.Context, item WorkItem, dryRun bool) (record.WriteResult, error)

// Stage is one phase of a pipeline. Weight is this stage's share of overall
// progress in percent; a pipeline's weights must sum to exactly 100.
type Stage struct {
	Name    string
	Weight  int
	Delay   time.Duration // minimum spacing between items, zero for none
	Items   func(ctx context.Context) ([]WorkItem, error)
	Process ProcessFunc
}

// Pipeline is an ordered set of stages for one job type.
type Pipeline struct {
	JobType string
	Stages  []Stage
}

// New validates and builds a pipeline. Stage weights must sum to exactly 100
// so weighted progress lands on whole stage boundaries.
func New(jobType string, stages ...Stage) (*Pipeline, error) {
	if jobType == "" {
		return nil, errors.New("pipeline job type must not be empty")
	}
	if len(stages) == 0 {
		return nil, errors.Newf("pipeline %s has no stages", jobType)
	}

	total := 0
	for i, stage := range stages {
		if stage.Name == "" {
			return nil, errors.Newf("pipeline %s: stage %d has no name", jobType, i)
		}
		if stage.Weight <= 0 {
			return nil, errors.Newf("pipeline %s: stage %q weight must be positive, got %d",
				jobType, stage.Name, stage.Weight)
		}
		if stage.Items == nil || stage.Process == nil {
			return nil, errors.Newf("pipeline %s: stage %q missing items or process function",
				jobType, stage.Name)
		}
		total += stage.Weight
	}
	if total != 100 {
		return nil, errors.Newf("pipeline %s: stage weights sum to %d, want 100", jobType, total)
	}

	return &Pipeline{JobType: jobType, Stages: stages}, nil
}
