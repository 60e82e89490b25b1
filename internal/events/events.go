// Package events provides the bounded, non-blocking in-process event bus
// described for the Build Event Stream (C5): every stage/step transition
// and build lifecycle change is published here for in-process subscribers
// (in this module, cmd/chengisd's run loop).
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies a build event.
type Kind string

const (
	KindBuildQueued    Kind = "build.queued"
	KindBuildStarted   Kind = "build.started"
	KindBuildCompleted Kind = "build.completed"
	KindBuildFailed    Kind = "build.failed"
	KindBuildCancelled Kind = "build.cancelled"
	KindStageStarted   Kind = "stage.started"
	KindStageCompleted Kind = "stage.completed"
	KindStageSkipped   Kind = "stage.skipped"
	KindStepStarted    Kind = "step.started"
	KindStepOutput     Kind = "step.output"
	KindStepCompleted  Kind = "step.completed"
	KindApprovalNeeded Kind = "approval.needed"
	KindApprovalDecided Kind = "approval.decided"
	KindAgentOffline   Kind = "agent.offline"
)

// Event is one build-lifecycle occurrence.
type Event struct {
	Kind      Kind        `json:"kind"`
	BuildID   string      `json:"build_id,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	StageName string      `json:"stage_name,omitempty"`
	StepName  string      `json:"step_name,omitempty"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON marshals the event; marshal errors are swallowed since Event's
// fields are all trivially serialisable.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// defaultBufferSize is the default per-subscriber channel capacity (§5).
const defaultBufferSize = 4096

// Bus is a bounded, non-blocking pub/sub event bus. Publish never blocks:
// a full subscriber channel drops the event and increments that
// subscriber's overflow counter rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

type subscriber struct {
	ch       chan Event
	overflow atomic.Uint64
}

// NewBus constructs a Bus with the given per-subscriber buffer capacity
// (0 selects the default of 4096).
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish delivers evt to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			sub.overflow.Add(1)
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel. Call
// Unsubscribe with the same id when the caller is done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// OverflowCount reports how many events have been dropped for a subscriber
// since it joined, or 0 if the subscriber id is unknown.
func (b *Bus) OverflowCount(id string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subscribers[id]; ok {
		return sub.overflow.Load()
	}
	return 0
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
