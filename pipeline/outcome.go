package pipeline

import (
	"encoding/json"

	"github.com/teranos/qafila/errors"
)

// Kind classifies how a pipeline run ended.
type Kind string

const (
	// Completed means every stage ran to the end. Per-item failures do not
	// prevent completion; they are reported in the stage results.
	Completed Kind = "completed"
	// Paused means the run stopped at an item boundary with a checkpoint to
	// resume from.
	Paused Kind = "paused"
	// Cancelled means the run stopped at an item boundary with no resume.
	Cancelled Kind = "cancelled"
	// Failed means the run aborted, e.g. a stage could not enumerate its
	// items or the context was cancelled underneath it.
	Failed Kind = "failed"
)

// Checkpoint records where a paused run stopped. ItemsDone items of stage
// StageIndex finished; the resumed run starts at the next item so each item
// is processed exactly once across the pause.
type Checkpoint struct {
	StageIndex int `json:"stage_index"`
	ItemsDone  int `json:"items_done"`
}

// Encode serializes the checkpoint for job metadata.
func (c Checkpoint) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode checkpoint")
	}
	return string(raw), nil
}

// DecodeCheckpoint parses a checkpoint stored in job metadata.
func DecodeCheckpoint(raw string) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %q", raw)
	}
	if c.StageIndex < 0 || c.ItemsDone < 0 {
		return nil, errors.Newf("invalid checkpoint %q", raw)
	}
	return &c, nil
}

// Outcome is the runner's report to the supervisor. Results covers the
// stages this run touched, in order, including partially processed ones.
type Outcome struct {
	Kind       Kind
	Checkpoint *Checkpoint // set when Kind is Paused
	Results    []SyncResult
	Err        error // set when Kind is Failed
}
