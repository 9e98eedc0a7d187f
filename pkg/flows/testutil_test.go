package flows

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	flowerrors "github.com/randalmurphal/flowstack/pkg/flows/errors"
)

// Helper node functions

// length returns the length of a string input.
func length(_ Context, in any) (any, error) {
	return len(in.(string)), nil
}

// increment adds one to an int input.
func increment(_ Context, in any) (any, error) {
	return in.(int) + 1, nil
}

// lengthGraph builds input -> node1 -> c1 -> node2 -> c2, where node2
// writes the length of its input.
func lengthGraph(t *testing.T, opts ...CompileOption) *Pregel {
	t.Helper()
	p, err := NewGraph().
		AddChannel("input", channels.LastValue[string]()).
		AddChannel("c1", channels.LastValue[string]()).
		AddChannel("c2", channels.LastValue[int]()).
		AddNode("node1", Subscribe("input").WriteTo("c1")).
		AddNode("node2", Subscribe("c1").Then(length).WriteTo("c2")).
		SetInput("input").
		SetOutput("c2").
		Compile(opts...)
	require.NoError(t, err)
	return p
}

// loopGraph builds a node that re-triggers itself forever.
func loopGraph(t *testing.T, opts ...CompileOption) *Pregel {
	t.Helper()
	p, err := NewGraph().
		AddChannel("count", channels.LastValue[int]()).
		AddNode("loop", Subscribe("count").Then(increment).WriteTo("count")).
		SetInput("count").
		SetOutput("count").
		Compile(opts...)
	require.NoError(t, err)
	return p
}

// fastRetry retries without noticeable backoff.
var fastRetry = flowerrors.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}

// threadConfig addresses the latest checkpoint of a thread.
func threadConfig(threadID string) config.Config {
	return checkpoint.ConfigFor(threadID, "")
}

// recordingContext is a Context that collects writes.
type recordingContext struct {
	Context
	writes []checkpoint.Write
}

func newRecordingContext() *recordingContext {
	return &recordingContext{Context: Detached(context.Background(), config.New(nil))}
}

func (c *recordingContext) Write(writes ...checkpoint.Write) error {
	c.writes = append(c.writes, writes...)
	return nil
}

// logBuffer is a concurrency-safe buffer for captured log output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
