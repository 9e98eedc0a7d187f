package flows

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// Context is what a Runnable sees of the engine while its task runs.
// It extends context.Context with run metadata and the task's channel
// read and write functions.
//
// The context is canceled when the run is canceled or when a sibling task
// of the same step fails.
type Context interface {
	context.Context

	// Logger returns a logger carrying run_id, thread_id, node, task_id,
	// step and attempt. Never nil.
	Logger() *slog.Logger

	// Config returns the invocation config.
	Config() config.Config

	// Checkpointer returns the graph's saver, or nil.
	Checkpointer() checkpoint.Saver

	RunID() string
	ThreadID() string
	Node() string
	TaskID() string
	Step() int

	// Attempt is the retry attempt number, starting at 1.
	Attempt() int

	// Write queues writes for the end of the step. Writes to Tasks must
	// carry a Send for a declared node.
	Write(writes ...checkpoint.Write) error

	// Send queues a Send packet for node.
	Send(node string, arg any) error

	// ReadChannel reads a channel as of the start of the step. With fresh,
	// the task's own writes so far are applied first.
	ReadChannel(name string, fresh bool) (any, error)

	// ReadChannels reads several channels, leaving out empty ones.
	ReadChannels(names []string, fresh bool) (map[string]any, error)
}

// taskContext is the Context of one attempt of one task.
type taskContext struct {
	context.Context

	task    *Task
	logger  *slog.Logger
	attempt int
}

func (c *taskContext) Logger() *slog.Logger           { return c.logger }
func (c *taskContext) Config() config.Config          { return c.task.Config }
func (c *taskContext) Checkpointer() checkpoint.Saver { return c.task.scope.saver }
func (c *taskContext) RunID() string                  { return c.task.scope.runID }
func (c *taskContext) ThreadID() string               { return c.task.Config.ThreadID() }
func (c *taskContext) Node() string                   { return c.task.Name }
func (c *taskContext) TaskID() string                 { return c.task.ID }
func (c *taskContext) Step() int                      { return c.task.Metadata.Step }
func (c *taskContext) Attempt() int                   { return c.attempt }

func (c *taskContext) Write(writes ...checkpoint.Write) error {
	return c.task.write(c.logger, writes)
}

func (c *taskContext) Send(node string, arg any) error {
	return c.Write(checkpoint.Write{Channel: Tasks, Value: Send{Node: node, Arg: arg}})
}

func (c *taskContext) ReadChannel(name string, fresh bool) (any, error) {
	return c.task.read(name, fresh)
}

func (c *taskContext) ReadChannels(names []string, fresh bool) (map[string]any, error) {
	return c.task.readMany(names, fresh)
}

// detachedContext is a Context outside any task.
type detachedContext struct {
	context.Context
	cfg    config.Config
	logger *slog.Logger
}

// Detached returns a Context for invoking a Runnable outside the engine.
// Reads and writes fail with ErrNotInTask.
func Detached(ctx context.Context, cfg config.Config) Context {
	return &detachedContext{Context: ctx, cfg: cfg, logger: slog.Default()}
}

func (c *detachedContext) Logger() *slog.Logger           { return c.logger }
func (c *detachedContext) Config() config.Config          { return c.cfg }
func (c *detachedContext) Checkpointer() checkpoint.Saver { return nil }
func (c *detachedContext) RunID() string                  { return "" }
func (c *detachedContext) ThreadID() string               { return c.cfg.ThreadID() }
func (c *detachedContext) Node() string                   { return "" }
func (c *detachedContext) TaskID() string                 { return "" }
func (c *detachedContext) Step() int                      { return 0 }
func (c *detachedContext) Attempt() int                   { return 1 }

func (c *detachedContext) Write(...checkpoint.Write) error { return ErrNotInTask }
func (c *detachedContext) Send(string, any) error          { return ErrNotInTask }

func (c *detachedContext) ReadChannel(string, bool) (any, error) { return nil, ErrNotInTask }

func (c *detachedContext) ReadChannels([]string, bool) (map[string]any, error) {
	return nil, ErrNotInTask
}
