package pipeline

import (
	"fmt"

	"github.com/teranos/qafila/record"
)

// maxRecordedErrors caps the per-stage error list stored in job metadata.
// Failures beyond the cap are still counted, just not itemized.
const maxRecordedErrors = 25

// SyncResult summarizes one stage of a run. It is stored in job metadata so
// operators can see per-stage counts after the job ends.
type SyncResult struct {
	Resource         string   `json:"resource"`
	RecordsProcessed int      `json:"records_processed"`
	RecordsInserted  int      `json:"records_inserted"`
	RecordsUpdated   int      `json:"records_updated"`
	RecordsFailed    int      `json:"records_failed"`
	Errors           []string `json:"errors,omitempty"`
	ErrorsTruncated  int      `json:"errors_truncated,omitempty"`
	DurationMs       int64    `json:"duration_ms"`
}

func (r *SyncResult) recordWrite(result record.WriteResult) {
	r.RecordsProcessed++
	switch result {
	case record.Inserted:
		r.RecordsInserted++
	case record.Updated:
		r.RecordsUpdated++
	}
}

func (r *SyncResult) recordFailure(itemID string, err error) {
	r.RecordsProcessed++
	r.RecordsFailed++
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", itemID, err))
		return
	}
	r.ErrorsTruncated++
}
