// Package broadcast fans out job status and progress events to subscribed
// observers. Delivery is best-effort and at-most-once per observer per event;
// there is no replay, so a new subscriber only sees events from the moment of
// subscription onward.
package broadcast

import (
	"sync"
	"time"
)

// SubscriberBufferSize is the buffer size for subscriber channels.
// Full channels are skipped rather than blocking the publisher.
const SubscriberBufferSize = 100

// EventType identifies what changed.
type EventType string

const (
	EventStatusChanged EventType = "status-changed"
	EventProgress      EventType = "progress-changed"
	EventControlResult EventType = "control-action-result"
)

// Event is one status/progress/control notification for a job.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Action    string    `json:"action,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a live event feed. Close it with Broadcaster.Unsubscribe;
// the channel itself is owned by the broadcaster.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	jobID string // empty = global
}

// Broadcaster fans out events to global observers and per-job observers.
type Broadcaster struct {
	mu     sync.RWMutex
	global []*Subscription
	perJob map[string][]*Subscription
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		perJob: make(map[string][]*Subscription),
	}
}

// SubscribeAll registers an observer for every job's events.
func (b *Broadcaster) SubscribeAll() *Subscription {
	ch := make(chan Event, SubscriberBufferSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
	return sub
}

// Subscribe registers an observer for a single job id.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, SubscriberBufferSize)
	sub := &Subscription{C: ch, ch: ch, jobID: jobID}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.perJob[jobID] = append(b.perJob[jobID], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// once per subscription; events published after return are not delivered.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.jobID == "" {
		b.global = remove(b.global, sub)
	} else {
		subs := remove(b.perJob[sub.jobID], sub)
		if len(subs) == 0 {
			delete(b.perJob, sub.jobID)
		} else {
			b.perJob[sub.jobID] = subs
		}
	}
	close(sub.ch)
}

// Publish fans out one event to the job's observers and all global
// observers. Non-blocking: a full subscriber channel drops the event for
// that subscriber only. No coalescing happens here; progress events are
// throttled at the source.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.global {
		deliver(sub, event)
	}
	for _, sub := range b.perJob[event.JobID] {
		deliver(sub, event)
	}
}

func deliver(sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
	default:
		// Subscriber is not keeping up; at-most-once means we drop.
	}
}

func remove(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
