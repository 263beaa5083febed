package flag

import (
	"database/sql"
	"time"

	"github.com/teranos/qafila/errors"
)

// SQLStore implements Store on the sync_control_flags table. The daemon and
// the CLI share one database, so a flag set by an operator command is visible
// to the runner on its next per-item poll.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a flag store backed by the given database.
func NewSQLStore(database *sql.DB) *SQLStore {
	return &SQLStore{db: database}
}

// Get implements Store.
func (s *SQLStore) Get(jobID string) (Flags, error) {
	rows, err := s.db.Query(
		`SELECT name FROM sync_control_flags WHERE job_id = ?`, jobID)
	if err != nil {
		return Flags{}, errors.Wrapf(err, "failed to read flags for job %s", jobID)
	}
	defer rows.Close()

	var f Flags
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Flags{}, errors.Wrap(err, "failed to scan flag")
		}
		switch name {
		case Cancel:
			f.Cancel = true
		case Pause:
			f.Pause = true
		}
	}
	if err := rows.Err(); err != nil {
		return Flags{}, errors.Wrap(err, "failed to iterate flags")
	}
	return f, nil
}

// Set implements Store.
func (s *SQLStore) Set(jobID, name string, value bool) error {
	if name != Cancel && name != Pause {
		return errors.Newf("unknown control flag %q", name)
	}

	if !value {
		_, err := s.db.Exec(
			`DELETE FROM sync_control_flags WHERE job_id = ? AND name = ?`, jobID, name)
		if err != nil {
			return errors.Wrapf(err, "failed to unset %s flag for job %s", name, jobID)
		}
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO sync_control_flags (job_id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (job_id, name) DO NOTHING`,
		jobID, name, time.Now(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set %s flag for job %s", name, jobID)
	}
	return nil
}

// Clear implements Store.
func (s *SQLStore) Clear(jobID string) error {
	_, err := s.db.Exec(
		`DELETE FROM sync_control_flags WHERE job_id = ?`, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to clear flags for job %s", jobID)
	}
	return nil
}
