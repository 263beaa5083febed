package record

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teranos/qafila/errors"
)

// WriteResult reports which path an upsert took.
type WriteResult string

const (
	Inserted WriteResult = "inserted"
	Updated  WriteResult = "updated"
	// Skipped is returned on dry runs where no write happens.
	Skipped WriteResult = "skipped"
)

const (
	// maxUpsertAttempts bounds the create-then-update sequence. Exhaustion
	// surfaces ErrWriteConflictExceeded for that item only.
	maxUpsertAttempts = 3
	upsertBackoff     = 25 * time.Millisecond
)

// Upserter wraps create-or-update against the record store so that
// concurrent workers racing on the same natural key both succeed: one
// observes Inserted, the other Updated, and exactly one row remains with the
// payload of whichever write committed last.
type Upserter struct {
	store Store
}

// NewUpserter creates an upsert helper over the given store.
func NewUpserter(store Store) *Upserter {
	return &Upserter{store: store}
}

// Upsert attempts a create; on a uniqueness conflict it updates the same
// natural key instead. If the update finds the row vanished in a race
// (concurrent delete), the whole sequence retries up to maxUpsertAttempts
// with a short constant backoff before surfacing ErrWriteConflictExceeded.
// A duplicate-key error never reaches the caller.
func (u *Upserter) Upsert(ctx context.Context, key Key, payload []byte) (WriteResult, error) {
	attempt := func() (WriteResult, error) {
		err := u.store.Create(ctx, key, payload)
		if err == nil {
			return Inserted, nil
		}
		if !errors.IsUniqueConflict(err) {
			// Storage failure unrelated to the race; not worth retrying here.
			return "", backoff.Permanent(err)
		}

		// Another writer created the row first; update it instead.
		err = u.store.Update(ctx, key, payload)
		if err == nil {
			return Updated, nil
		}
		if errors.IsNotFound(err) {
			// Row vanished between conflict and update; retry the sequence.
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(upsertBackoff)),
		backoff.WithMaxTries(maxUpsertAttempts),
	)
	if err != nil {
		if errors.IsNotFound(err) {
			err = errors.Wrapf(errors.ErrWriteConflictExceeded,
				"upsert %s gave up after %d attempts", key, maxUpsertAttempts)
		}
		return "", err
	}
	return result, nil
}
