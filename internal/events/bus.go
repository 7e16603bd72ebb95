package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/payos/taskcore/internal/metrics"
)

// Event types emitted over the bus. The bus is a live view; the audit trail
// is the record of truth.
const (
	TypeStateChange  = "state_change"
	TypeMessage      = "message"
	TypeMessageDelta = "message_delta"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeArtifact     = "artifact"
	TypeError        = "error"
)

// Event is one lifecycle or content event for a task.
type Event struct {
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	State     string                 `json:"state,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Terminal  bool                   `json:"terminal,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus provides in-process pub/sub for task events.
//
// Publishing never blocks: a subscriber whose buffer is full loses the event
// (subscribers can recover via ReplaySince). A terminal event closes all
// remaining subscriber channels for that task.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-task ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

// NewBus creates a bus with the given per-task replay capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a task id; the caller must drain
// the channel and call Unsubscribe when done.
func (b *Bus) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it. Safe to call
// after the bus already closed the channel on a terminal event.
func (b *Bus) Unsubscribe(taskID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[taskID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(b.subscribers, taskID)
		}
	}
}

// Publish sends an event to all subscribers of the task (non-blocking) and
// records it in the replay ring. A terminal event tears the topic down.
func (b *Bus) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	rg := b.history[taskID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[taskID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	// Sends stay under the lock: Unsubscribe closes channels under the same
	// lock, so a channel can never be closed between the map read and the
	// send. The sends are non-blocking, so the lock is held only briefly.
	for ch := range b.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
		if evt.Terminal {
			// Close after the final event so stream handlers observe EOF
			// instead of hanging.
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
	}
	if evt.Terminal {
		delete(b.subscribers, taskID)
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (b *Bus) ReplaySince(taskID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[taskID]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a finished task.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	delete(b.history, taskID)
	b.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
