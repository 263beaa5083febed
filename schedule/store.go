package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/qafila/db"
	"github.com/teranos/qafila/errors"
)

// Store handles persistence of sync schedules.
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

const scheduleColumns = `id, job_type, enabled, cron_expression, priority,
	max_concurrency, timeout_minutes, retry_attempts,
	next_run_at, last_run_at, created_at, updated_at`

// Create inserts a new schedule. A second schedule for the same job type
// returns errors.ErrUniqueConflict.
func (s *Store) Create(sched *Schedule) error {
	query := `
		INSERT INTO sync_schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		sched.ID,
		sched.JobType,
		sched.Enabled,
		sched.CronExpression,
		sched.Priority,
		sched.MaxConcurrency,
		sched.TimeoutMinutes,
		sched.RetryAttempts,
		nullTime(sched.NextRunAt),
		nullTime(sched.LastRunAt),
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueConstraint(err) {
			return errors.Wrapf(errors.ErrUniqueConflict, "schedule for %s already exists", sched.JobType)
		}
		return errors.Wrapf(err, "failed to create schedule for %s", sched.JobType)
	}
	return nil
}

// Get retrieves a schedule by id.
func (s *Store) Get(id string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE id = ?`
	sched, err := scanSchedule(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return sched, nil
}

// GetByType retrieves the schedule for a job type.
func (s *Store) GetByType(jobType string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE job_type = ?`
	sched, err := scanSchedule(s.db.QueryRow(query, jobType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule for %s", jobType)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule by type")
	}
	return sched, nil
}

// List returns all schedules ordered by job type.
func (s *Store) List() ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules ORDER BY job_type ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListDue returns enabled schedules whose next run is at or before now.
func (s *Store) ListDue(now time.Time) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`
	rows, err := s.db.Query(query, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// Update persists the mutable fields of a schedule.
func (s *Store) Update(sched *Schedule) error {
	query := `
		UPDATE sync_schedules
		SET enabled = ?,
		    cron_expression = ?,
		    priority = ?,
		    max_concurrency = ?,
		    timeout_minutes = ?,
		    retry_attempts = ?,
		    next_run_at = ?,
		    last_run_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		sched.Enabled,
		sched.CronExpression,
		sched.Priority,
		sched.MaxConcurrency,
		sched.TimeoutMinutes,
		sched.RetryAttempts,
		nullTime(sched.NextRunAt),
		nullTime(sched.LastRunAt),
		time.Now(),
		sched.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", sched.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", sched.ID)
	}
	return nil
}

// MarkRun records that the schedule fired at ranAt and advances next_run_at.
func (s *Store) MarkRun(id string, ranAt, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sync_schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		ranAt, next, time.Now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark schedule %s run", id)
	}
	return nil
}

// Advance moves next_run_at forward without recording a run. Used when a
// due schedule is skipped because a job of its type is still active.
func (s *Store) Advance(id string, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sync_schedules
		SET next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		next, time.Now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance schedule %s", id)
	}
	return nil
}

// Delete removes a schedule.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM sync_schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var sched Schedule
	var nextRunAt, lastRunAt sql.NullTime

	err := row.Scan(
		&sched.ID,
		&sched.JobType,
		&sched.Enabled,
		&sched.CronExpression,
		&sched.Priority,
		&sched.MaxConcurrency,
		&sched.TimeoutMinutes,
		&sched.RetryAttempts,
		&nextRunAt,
		&lastRunAt,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.NextRunAt = timePtr(nextRunAt)
	sched.LastRunAt = timePtr(lastRunAt)
	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return schedules, nil
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
	return &t.Time
}
