package job

import (
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/qafila/errors"
)

// Store handles persistence of sync jobs and their audit trail.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job ledger store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, job_type, status, priority, progress_percent,
	error_message, metadata,
	started_at, paused_at, cancelled_at, completed_at,
	created_at, updated_at`

// Create inserts a new job into the ledger.
func (s *Store) Create(j *Job) error {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		j.ID,
		j.Type,
		j.Status,
		j.Priority,
		j.ProgressPercent,
		nullString(j.ErrorMessage),
		nullString(metadata),
		nullTime(j.StartedAt),
		nullTime(j.PausedAt),
		nullTime(j.CancelledAt),
		nullTime(j.CompletedAt),
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetailf(err, "Job ID: %s", j.ID)
		err = errors.WithDetailf(err, "Type: %s", j.Type)
		return err
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = ?`

	j, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return j, nil
}

// Update persists the full mutable state of a job.
func (s *Store) Update(j *Job) error {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_jobs
		SET status = ?,
		    priority = ?,
		    progress_percent = ?,
		    error_message = ?,
		    metadata = ?,
		    started_at = ?,
		    paused_at = ?,
		    cancelled_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		j.Status,
		j.Priority,
		j.ProgressPercent,
		nullString(j.ErrorMessage),
		nullString(metadata),
		nullTime(j.StartedAt),
		nullTime(j.PausedAt),
		nullTime(j.CancelledAt),
		nullTime(j.CompletedAt),
		j.UpdatedAt,
		j.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetailf(err, "Job ID: %s", j.ID)
		err = errors.WithDetailf(err, "Status: %s", j.Status)
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", j.ID)
	}
	return nil
}

// UpdateProgress persists a progress value for a running job. The MAX guard
// makes the column monotone within a run even if updates land out of order.
func (s *Store) UpdateProgress(id string, percent float64) error {
	query := `
		UPDATE sync_jobs
		SET progress_percent = MAX(progress_percent, ?),
		    updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.Exec(query, percent, time.Now(), id); err != nil {
		return errors.Wrapf(err, "failed to update progress for job %s", id)
	}
	return nil
}

// TryClaim atomically flips one pending job to running, starting a new run
// (progress reset, fresh started_at). Returns false when another worker won
// the race or the job left pending state.
func (s *Store) TryClaim(id string) (bool, error) {
	now := time.Now()
	query := `
		UPDATE sync_jobs
		SET status = ?,
		    progress_percent = 0,
		    error_message = NULL,
		    started_at = ?,
		    paused_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.Exec(query, StatusRunning, now, now, id, StatusPending)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// ListPending returns pending jobs in claim order: priority ascending
// (lower-is-sooner), then FIFO by creation time.
func (s *Store) ListPending(limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, StatusPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "pending jobs")
}

// CountRunningByType returns how many jobs of a type are currently running.
// The worker pool uses this to enforce per-type max concurrency at claim time.
func (s *Store) CountRunningByType(jobType string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sync_jobs WHERE job_type = ? AND status = ?`,
		jobType, StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count running jobs of type %s", jobType)
	}
	return count, nil
}

// FindActiveByType returns the most recent pending/running/paused job of a
// type, or nil when none exists. The scheduler uses this for deduplication.
func (s *Store) FindActiveByType(jobType string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE job_type = ?
		  AND status IN (?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1`

	j, err := scanJob(s.db.QueryRow(query, jobType, StatusPending, StatusRunning, StatusPaused))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by type")
	}
	return j, nil
}

// RequeueRunning flips all running jobs back to pending. Called once on
// startup to recover jobs orphaned by an ungraceful shutdown; resume
// checkpoints in metadata stay intact.
func (s *Store) RequeueRunning() (int, error) {
	query := `
		UPDATE sync_jobs
		SET status = ?, updated_at = ?
		WHERE status = ?
	`
	result, err := s.db.Exec(query, StatusPending, time.Now(), StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue running jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// Delete removes a job and its audit trail.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sync_job_audit WHERE job_id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete audit entries for job %s", id)
	}

	result, err := s.db.Exec(`DELETE FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return nil
}

// CleanupTerminal removes completed/failed/cancelled jobs (and their audit
// entries) older than the given duration. Returns the number removed.
func (s *Store) CleanupTerminal(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	if _, err := s.db.Exec(`
		DELETE FROM sync_job_audit
		WHERE job_id IN (
			SELECT id FROM sync_jobs
			WHERE status IN (?, ?, ?) AND updated_at < ?
		)`, StatusCompleted, StatusFailed, StatusCancelled, cutoff); err != nil {
		return 0, errors.Wrap(err, "failed to cleanup audit entries")
	}

	result, err := s.db.Exec(`
		DELETE FROM sync_jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// Filter narrows List results. Zero-value fields are ignored.
type Filter struct {
	Statuses []Status
	Types    []string
	Priority *int // exact match
	Since    *time.Time
	Until    *time.Time
	Offset   int
	Limit    int
}

// Page is one page of listed jobs with the total matching count.
type Page struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"has_more"`
}

// List returns jobs matching the filter, newest first, with a HasMore
// indicator computed from a separate total count.
func (s *Store) List(f Filter) (*Page, error) {
	where, args := buildWhere(f)

	var total int
	countQuery := `SELECT COUNT(*) FROM sync_jobs` + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM sync_jobs` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows, "jobs")
	if err != nil {
		return nil, err
	}

	return &Page{
		Jobs:    jobs,
		Total:   total,
		Offset:  f.Offset,
		Limit:   limit,
		HasMore: f.Offset+len(jobs) < total,
	}, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Types)), ", ")
		clauses = append(clauses, "job_type IN ("+placeholders+")")
		for _, tp := range f.Types {
			args = append(args, tp)
		}
	}
	if f.Priority != nil {
		clauses = append(clauses, "priority = ?")
		args = append(args, *f.Priority)
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, *f.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AppendAudit records one operator action. Entries are append-only.
func (s *Store) AppendAudit(entry *AuditEntry) error {
	query := `
		INSERT INTO sync_job_audit (job_id, action, performed_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		entry.JobID,
		entry.Action,
		entry.PerformedBy,
		nullString(entry.Metadata),
		entry.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to append audit entry")
		err = errors.WithDetailf(err, "Job ID: %s", entry.JobID)
		err = errors.WithDetailf(err, "Action: %s", entry.Action)
		return err
	}

	id, err := result.LastInsertId()
	if err == nil {
		entry.ID = id
	}
	return nil
}

// ListAudit returns a job's audit entries in the order the operator issued
// them.
func (s *Store) ListAudit(jobID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, job_id, action, performed_by, metadata, created_at
		FROM sync_job_audit
		WHERE job_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.Query(query, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var metadata sql.NullString
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Action, &entry.PerformedBy, &metadata, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entry.Metadata = metadata.String
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating audit entries")
	}
	return entries, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var errorMessage, metadata sql.NullString
	var startedAt, pausedAt, cancelledAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Priority,
		&j.ProgressPercent,
		&errorMessage,
		&metadata,
		&startedAt,
		&pausedAt,
		&cancelledAt,
		&completedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ErrorMessage = errorMessage.String
	j.StartedAt = timePtr(startedAt)
	j.PausedAt = timePtr(pausedAt)
	j.CancelledAt = timePtr(cancelledAt)
	j.CompletedAt = timePtr(completedAt)

	meta, err := unmarshalMetadata(metadata.String)
	if err != nil {
		return nil, err
	}
	j.Metadata = meta

	return &j, nil
}

func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
