package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Event is one structured line in the JSONL activity log (spec.md §5).
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"event"`
	TaskID    string                 `json:"task_id,omitempty"`
	Host      string                 `json:"host,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Event type names emitted by the dispatcher loop and router/breaker.
const (
	EventTaskStarted          = "task_started"
	EventTaskRetryScheduled   = "task_retry_scheduled"
	EventTaskCompleted        = "task_completed"
	EventTaskFailed           = "task_failed"
	EventTaskFailedMaxRetries = "task_failed_max_retries"
	EventHostUnhealthy        = "host_unhealthy"
	EventHostHealthy          = "host_healthy"
	EventBreakerOpened        = "breaker_opened"
	EventBreakerClosed        = "breaker_closed"
	EventShutdownBegin        = "shutdown_begin"
	EventShutdownEnd          = "shutdown_end"
)

// Sink writes one JSON line per event, following the teacher's
// logDecision pattern of marshal-then-single-line-write, generalized from
// stdlib's log package to an arbitrary io.Writer so it can target a
// rotated file instead of only stderr.
type Sink struct {
	mu  sync.Mutex
	out io.Writer
	// publish, if set, fans the same event out to a secondary channel
	// (the optional Redis pub/sub bridge) without blocking the caller on
	// its own failure.
	publish func(Event)
}

// NewSink wraps out (typically an append-mode *os.File) as an event sink.
func NewSink(out io.Writer) *Sink {
	return &Sink{out: out}
}

// OnPublish installs a best-effort fan-out hook, replacing any earlier
// one. Emit invokes it after every local write attempt, whether or not
// that write succeeded.
func (s *Sink) OnPublish(f func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = f
}

// Emit writes one event as a single JSON line, matching the teacher's
// "marshal, log one line" style rather than a buffered/batched writer.
func (s *Sink) Emit(eventType, taskID, host, reason string, metadata map[string]interface{}) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		TaskID:    taskID,
		Host:      host,
		Reason:    reason,
		Metadata:  metadata,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("observability: failed to marshal event %s: %v", eventType, err)
		return
	}

	s.mu.Lock()
	_, werr := fmt.Fprintln(s.out, string(data))
	publish := s.publish
	s.mu.Unlock()

	if werr != nil {
		log.Printf("observability: failed to write event %s: %v", eventType, werr)
	}
	if publish != nil {
		publish(ev)
	}
}
