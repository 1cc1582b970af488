package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/homelab/yggdrasil/internal/breaker"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureReturnsStructuredReportForLedgerField(t *testing.T) {
	tracker, err := NewErrorTracker(t.TempDir())
	require.NoError(t, err)

	msg := tracker.Capture("t1", "dev-lint", "warden", 2, "stderr: disk full", errors.New("boom"))

	var report FailureReport
	require.NoError(t, json.Unmarshal([]byte(msg), &report))
	assert.Equal(t, "t1", report.TaskID)
	assert.Equal(t, "dev-lint", report.TaskType)
	assert.Equal(t, "warden", report.Host)
	assert.Equal(t, 2, report.Attempt)
	assert.Equal(t, "boom", report.Message)
	assert.Equal(t, KindInternal, report.Kind)
	assert.Equal(t, "stderr: disk full", report.Output)
	assert.NotEmpty(t, report.Traceback)
}

func TestCaptureWritesFullSidecarFile(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewErrorTracker(dir)
	require.NoError(t, err)

	tracker.Capture("t1", "dev-lint", "warden", 1, "", errors.New("boom"))

	data, err := os.ReadFile(filepath.Join(dir, "t1-attempt-1.json"))
	require.NoError(t, err)
	var report FailureReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.NotEmpty(t, report.Traceback)
}

func TestCaptureBoundedReportFitsLedgerFieldEvenWithHugeOutput(t *testing.T) {
	tracker, err := NewErrorTracker(t.TempDir())
	require.NoError(t, err)

	huge := make([]byte, 10*maxLedgerFieldBytes)
	for i := range huge {
		huge[i] = 'x'
	}

	msg := tracker.Capture("t1", "dev-lint", "warden", 1, string(huge), errors.New("boom"))
	assert.LessOrEqual(t, len(msg), maxLedgerFieldBytes)

	var report FailureReport
	// The decode result is not asserted: a hard byte cut of a
	// maximally-oversized report may land mid-field, which is acceptable
	// since the sidecar file always holds the full report.
	_ = json.Unmarshal([]byte(msg), &report)
}

func TestClassifyKindMapsLedgerSentinels(t *testing.T) {
	assert.Equal(t, KindInvalidTransition, classifyKind(fmt.Errorf("wrap: %w", ledger.ErrInvalidTransition)))
	assert.Equal(t, KindNotFound, classifyKind(ledger.ErrNotFound))
	assert.Equal(t, KindConflict, classifyKind(ledger.ErrConflict))
}

func TestClassifyKindMapsHTTPErrors(t *testing.T) {
	assert.Equal(t, KindServerError, classifyKind(&breaker.HTTPError{StatusCode: 503}))
	assert.Equal(t, KindInvalidPayload, classifyKind(&breaker.HTTPError{StatusCode: 400, Body: "schema violation"}))
	assert.Equal(t, KindMemoryExhausted, classifyKind(&breaker.HTTPError{StatusCode: 400, Body: "CUDA OOM"}))
}

func TestClassifyKindMapsDispatcherSentinelsByMessage(t *testing.T) {
	assert.Equal(t, KindAllHostsUnavailable, classifyKind(errors.New("all_hosts_unavailable")))
	assert.Equal(t, KindShutdown, classifyKind(errors.New("shutdown grace period elapsed before task completed")))
}

func TestClassifyKindDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, classifyKind(errors.New("something unexpected")))
}
