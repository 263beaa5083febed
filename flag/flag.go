// Package flag provides the control-flag store: per-job cancel/pause booleans
// set by operator actions and polled by pipeline runners at checkpoints.
//
// Flags are job-id scoped. The worker supervisor clears them when a job
// reaches a terminal or paused state so they never leak into a later run
// under a new job id.
package flag

import (
	"sync"

	"github.com/teranos/qafila/errors"
)

// Flag names accepted by Store.Set.
const (
	Cancel = "cancel"
	Pause  = "pause"
)

// Flags is the ephemeral control state for one job.
type Flags struct {
	Cancel bool
	Pause  bool
}

// Store is the narrow interface the runner and the control-action service
// share. Writes come only from operator actions (single writer per job);
// reads come only from the job's runner (single reader per job).
type Store interface {
	// Get returns the current flags for a job. Unknown jobs return zero flags.
	Get(jobID string) (Flags, error)
	// Set sets one flag (flag.Cancel or flag.Pause) for a job.
	Set(jobID, name string, value bool) error
	// Clear removes all flags for a job.
	Clear(jobID string) error
}

// MemoryStore is the in-process Store implementation, used when control
// actions and runners live in the same process (tests, embedded use). The
// daemon uses SQLStore so flags set by the CLI cross the process boundary.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]Flags
}

// NewMemoryStore creates an empty in-memory flag store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]Flags)}
}

// Get implements Store.
func (s *MemoryStore) Get(jobID string) (Flags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[jobID], nil
}

// Set implements Store.
func (s *MemoryStore) Set(jobID, name string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.flags[jobID]
	switch name {
	case Cancel:
		f.Cancel = value
	case Pause:
		f.Pause = value
	default:
		return errors.Newf("unknown control flag %q", name)
	}
	s.flags[jobID] = f
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, jobID)
	return nil
}
