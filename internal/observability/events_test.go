package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	s.Emit(EventTaskStarted, "t1", "fenrir-chat", "", nil)
	s.Emit(EventTaskCompleted, "t1", "fenrir-chat", "", map[string]interface{}{"duration_ms": 120})

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventTaskStarted, first.Type)
	assert.Equal(t, "t1", first.TaskID)
}

func TestOnPublishFansOutAfterWrite(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	var seen []Event
	s.OnPublish(func(ev Event) { seen = append(seen, ev) })

	s.Emit(EventHostUnhealthy, "", "warden", "probe failed", nil)
	require.Len(t, seen, 1)
	assert.Equal(t, "warden", seen[0].Host)
	assert.Contains(t, buf.String(), "host_unhealthy")
}
