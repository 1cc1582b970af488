package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/homelab/yggdrasil/internal/breaker"
	"github.com/homelab/yggdrasil/internal/ledger"
)

// ErrKind names the failure category stored alongside a task's error
// report, independent of the concrete Go error type (spec.md §7).
type ErrKind string

const (
	KindInvalidTransition   ErrKind = "invalid_transition"
	KindNotFound            ErrKind = "not_found"
	KindConflict            ErrKind = "conflict"
	KindTimeout             ErrKind = "timeout"
	KindConnectionFailed    ErrKind = "connection_failed"
	KindServerError         ErrKind = "server_error"
	KindMemoryExhausted     ErrKind = "memory_exhausted"
	KindInvalidPayload      ErrKind = "invalid_payload"
	KindAllHostsUnavailable ErrKind = "all_hosts_unavailable"
	KindShutdown            ErrKind = "shutdown"
	KindInternal            ErrKind = "internal"
)

// maxLedgerFieldBytes mirrors ledger.MaxFieldBytes: the report Capture
// returns must already fit the ledger's error field on its own, since the
// ledger's own truncation is a blunt byte cut that would otherwise leave
// invalid JSON behind.
const maxLedgerFieldBytes = 32 * 1024

// maxCapturedOutputBytes bounds how much of the handler's last response
// body rides along in the report; only the tail is kept, since the most
// useful diagnostic content (e.g. an HTTP error body) is usually at the end.
const maxCapturedOutputBytes = 4 * 1024

// FailureReport is the structured error report embedded in the ledger's
// error field (spec.md §7): kind, message, traceback, and enough context
// to reproduce the failure without re-running the task. Shaped after the
// teacher's IncidentReport, adapted from a sidecar-only document into the
// value the ledger itself carries.
type FailureReport struct {
	TaskID     string    `json:"task_id"`
	Kind       ErrKind   `json:"kind"`
	Message    string    `json:"message"`
	Traceback  string    `json:"traceback,omitempty"`
	TaskType   string    `json:"task_type"`
	Host       string    `json:"host"`
	Attempt    int       `json:"attempt"`
	Output     string    `json:"output,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// ErrorTracker writes one full sidecar JSON file per failed task under dir
// and hands back a bounded version of the same report for the ledger.
type ErrorTracker struct {
	dir string
}

// NewErrorTracker creates (or reuses) dir as the sidecar-file location.
func NewErrorTracker(dir string) (*ErrorTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("observability: create error dir: %w", err)
	}
	return &ErrorTracker{dir: dir}, nil
}

// Capture records a failure and returns the structured report the caller
// should store verbatim in the task's ledger error field: kind, message,
// traceback, and context (task type, host, attempt, last bytes of handler
// output), bounded to 32KB. The untruncated report -- full stack included
// -- is also written to a sidecar file named by task ID and attempt, so a
// report too big for the ledger field doesn't lose anything permanently.
func (t *ErrorTracker) Capture(taskID, taskType, host string, attempt int, output string, err error) string {
	report := FailureReport{
		TaskID:     taskID,
		Kind:       classifyKind(err),
		Message:    err.Error(),
		Traceback:  string(debug.Stack()),
		TaskType:   taskType,
		Host:       host,
		Attempt:    attempt,
		Output:     lastBytes(output, maxCapturedOutputBytes),
		CapturedAt: time.Now().UTC(),
	}

	data, merr := json.Marshal(report)
	if merr != nil {
		return err.Error()
	}

	path := filepath.Join(t.dir, fmt.Sprintf("%s-attempt-%d.json", taskID, attempt))
	_ = os.WriteFile(path, data, 0o644) // best effort; ledger field still carries the bounded report below

	if len(data) <= maxLedgerFieldBytes {
		return string(data)
	}
	return boundedReport(report, maxLedgerFieldBytes)
}

// boundedReport re-marshals report with its largest, least essential-to-
// the-ledger fields dropped in turn -- traceback first, then output --
// until it fits within max. The full report, including whatever got
// dropped here, already landed in the sidecar file.
func boundedReport(report FailureReport, max int) string {
	report.Traceback = ""
	data, err := json.Marshal(report)
	if err != nil {
		return report.Message
	}
	if len(data) <= max {
		return string(data)
	}

	report.Output = ""
	data, err = json.Marshal(report)
	if err != nil {
		return report.Message
	}
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// classifyKind maps err onto one of the spec's named error kinds. Ledger
// sentinels and breaker.HTTPError are matched precisely; everything else
// (dispatcher-level sentinels are plain errors.New values, not exported
// types) falls back to matching their message text.
func classifyKind(err error) ErrKind {
	switch {
	case errors.Is(err, ledger.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ledger.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ledger.ErrConflict):
		return KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var httpErr *breaker.HTTPError
	if errors.As(err, &httpErr) {
		lower := strings.ToLower(httpErr.Body)
		switch {
		case strings.Contains(lower, "out of memory"), strings.Contains(lower, "cuda oom"):
			return KindMemoryExhausted
		case httpErr.StatusCode >= 500:
			return KindServerError
		case httpErr.StatusCode >= 400:
			return KindInvalidPayload
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionFailed
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "all_hosts_unavailable"), strings.Contains(msg, "retries_exhausted_on_all_candidate_hosts"):
		return KindAllHostsUnavailable
	case strings.Contains(msg, "shutdown"):
		return KindShutdown
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return KindConnectionFailed
	}
	return KindInternal
}
