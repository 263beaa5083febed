// Package record persists normalized upstream content keyed by natural
// composite keys, and provides the idempotent upsert helper that resolves
// unique-constraint races between concurrent workers.
package record

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/qafila/db"
	"github.com/teranos/qafila/errors"
)

// Key is a business-meaningful composite key, e.g.
// {Resource: "prayer-times", Natural: "london|2026-03-01|mwl|shafi"}.
type Key struct {
	Resource string
	Natural  string
}

// String returns the key in resource/natural form for logs and errors.
func (k Key) String() string {
	return k.Resource + "/" + k.Natural
}

// Store is the narrow relational interface the upsert helper writes through.
// Create and Update must return errors.ErrUniqueConflict and
// errors.ErrNotFound respectively so races are distinguishable.
type Store interface {
	Create(ctx context.Context, key Key, payload []byte) error
	Update(ctx context.Context, key Key, payload []byte) error
}

// SQLStore implements Store on the content_records table. The table's
// UNIQUE(resource, natural_key) constraint is the consistency discipline;
// no application-level locks are used.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a record store backed by the given database.
func NewSQLStore(database *sql.DB) *SQLStore {
	return &SQLStore{db: database}
}

// Create inserts a new record. A duplicate natural key returns
// errors.ErrUniqueConflict.
func (s *SQLStore) Create(ctx context.Context, key Key, payload []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_records (resource, natural_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.Resource, key.Natural, string(payload), now, now,
	)
	if err != nil {
		if db.IsUniqueConstraint(err) {
			return errors.Wrapf(errors.ErrUniqueConflict, "create %s", key)
		}
		return errors.Wrapf(err, "failed to create record %s", key)
	}
	return nil
}

// Update overwrites the payload for an existing natural key. A vanished row
// returns errors.ErrNotFound.
func (s *SQLStore) Update(ctx context.Context, key Key, payload []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE content_records
		SET payload = ?, updated_at = ?
		WHERE resource = ? AND natural_key = ?`,
		string(payload), time.Now(), key.Resource, key.Natural,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update record %s", key)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "update %s", key)
	}
	return nil
}

// Get retrieves a record's payload. Used by tests and operator inspection.
func (s *SQLStore) Get(ctx context.Context, key Key) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM content_records
		WHERE resource = ? AND natural_key = ?`,
		key.Resource, key.Natural,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "record %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get record %s", key)
	}
	return []byte(payload), nil
}

// Count returns how many records exist for a resource.
func (s *SQLStore) Count(ctx context.Context, resource string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_records WHERE resource = ?`, resource,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count records for %s", resource)
	}
	return count, nil
}
