package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapture() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds task fields", func(t *testing.T) {
		logger, buf := newCapture()

		enriched := EnrichLogger(logger, "run-1", "thread-1", "agent", "task-9", 3, 2)
		enriched.Info("working")

		record := lastRecord(t, buf)
		assert.Equal(t, "run-1", record["run_id"])
		assert.Equal(t, "thread-1", record["thread_id"])
		assert.Equal(t, "agent", record["node"])
		assert.Equal(t, "task-9", record["task_id"])
		assert.Equal(t, float64(3), record["step"])
		assert.Equal(t, float64(2), record["attempt"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "run", "thread", "node", "task", 0, 1))
	})
}

func TestLogHelpers(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		log   func(*slog.Logger)
		level string
		msg   string
		check func(*testing.T, map[string]any)
	}{
		{
			name:  "run start",
			log:   func(l *slog.Logger) { LogRunStart(l, "run-1", "thread-1", true) },
			level: "INFO",
			msg:   "flow run starting",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, true, r["resuming"])
				assert.Equal(t, "thread-1", r["thread_id"])
			},
		},
		{
			name:  "run complete",
			log:   func(l *slog.Logger) { LogRunComplete(l, "run-1", "done", 12.5, 4) },
			level: "INFO",
			msg:   "flow run completed",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, "done", r["status"])
				assert.Equal(t, float64(4), r["steps"])
			},
		},
		{
			name:  "run error",
			log:   func(l *slog.Logger) { LogRunError(l, "run-1", boom, 1, 2) },
			level: "ERROR",
			msg:   "flow run failed",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, "boom", r["error"])
			},
		},
		{
			name:  "step start",
			log:   func(l *slog.Logger) { LogStepStart(l, 1, []string{"a", "b"}) },
			level: "DEBUG",
			msg:   "step starting",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, []any{"a", "b"}, r["tasks"])
			},
		},
		{
			name:  "step complete",
			log:   func(l *slog.Logger) { LogStepComplete(l, 1, 3, 5) },
			level: "DEBUG",
			msg:   "step completed",
		},
		{
			name:  "task start",
			log:   func(l *slog.Logger) { LogTaskStart(l, "agent", "t1") },
			level: "DEBUG",
			msg:   "task starting",
		},
		{
			name:  "task complete",
			log:   func(l *slog.Logger) { LogTaskComplete(l, "agent", "t1", 2) },
			level: "DEBUG",
			msg:   "task completed",
		},
		{
			name:  "task error",
			log:   func(l *slog.Logger) { LogTaskError(l, "agent", "t1", boom) },
			level: "ERROR",
			msg:   "task failed",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, "agent", r["node"])
				assert.Equal(t, "t1", r["task_id"])
			},
		},
		{
			name:  "checkpoint",
			log:   func(l *slog.Logger) { LogCheckpoint(l, "thread-1", "ckpt-1", 0) },
			level: "DEBUG",
			msg:   "checkpoint saved",
		},
		{
			name:  "checkpoint error",
			log:   func(l *slog.Logger) { LogCheckpointError(l, "thread-1", "put", boom) },
			level: "WARN",
			msg:   "checkpoint failed",
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, "put", r["operation"])
			},
		},
		{
			name:  "interrupt",
			log:   func(l *slog.Logger) { LogInterrupt(l, "interrupt_before", 2, []string{"review"}) },
			level: "INFO",
			msg:   "flow run interrupted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newCapture()
			tt.log(logger)

			record := lastRecord(t, buf)
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, tt.msg, record["msg"])
			if tt.check != nil {
				tt.check(t, record)
			}
		})

		t.Run(tt.name+" nil logger", func(t *testing.T) {
			assert.NotPanics(t, func() { tt.log(nil) })
		})
	}
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(5))
}
