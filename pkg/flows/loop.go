package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	flowerrors "github.com/randalmurphal/flowstack/pkg/flows/errors"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
	"github.com/randalmurphal/flowstack/pkg/flows/observability"
)

// Loop statuses.
const (
	StatusPending         = "pending"
	StatusDone            = "done"
	StatusInterruptBefore = "interrupt_before"
	StatusInterruptAfter  = "interrupt_after"
	StatusOutOfSteps      = "out_of_steps"
)

// newThreadStep is the metadata step of a thread without checkpoints, so
// that its input checkpoint is step -1 and the first loop step is 0.
const newThreadStep = -2

// loop is the state of one invocation.
type loop struct {
	graph  *Pregel
	rc     config.RunConfig
	run    runConfig
	runID  string
	logger *slog.Logger
	input  any
	emit   func(StreamChunk) bool

	saver      *checkpoint.AsyncSaver
	persistCtx context.Context
	ckptCfg    config.Config
	ckpt       *checkpoint.Checkpoint
	meta       checkpoint.Metadata
	pending    []checkpoint.PendingWrite

	chans *channels.Manager
	mv    *managed.Manager
	exec  executor

	step, stop int
	steps      int
	status     string
	resuming   bool
	stopped    bool

	mu       sync.Mutex
	persists []persist
}

// persist is an in-flight saver call.
type persist struct {
	op   string
	wait func(context.Context) error
}

func (p *Pregel) newLoop(ctx context.Context, input any, run runConfig, emit func(StreamChunk) bool) (l *loop, err error) {
	rc, err := config.ParseRunConfig(run.cfg)
	if err != nil {
		return nil, err
	}
	for _, name := range append(slices.Clone(rc.InterruptBefore), rc.InterruptAfter...) {
		if _, ok := p.nodes[name]; !ok && name != config.All {
			return nil, fmt.Errorf("%w: interrupt node %s", ErrUnknownNode, name)
		}
	}

	l = &loop{
		graph:      p,
		rc:         rc,
		run:        run,
		runID:      run.runID,
		input:      input,
		emit:       emit,
		persistCtx: context.WithoutCancel(ctx),
		status:     StatusPending,
	}
	if l.runID == "" {
		l.runID = uuid.NewString()
	}
	l.logger = run.logger
	defer func() {
		if err != nil {
			err = errors.Join(err, l.close())
		}
	}()

	if l.saver, err = p.saverFor(ctx, rc.Checkpoint); err != nil {
		return l, err
	}

	l.ckpt, l.meta = checkpoint.Empty(), checkpoint.Metadata{Step: newThreadStep}
	if l.saver != nil {
		if rc.ThreadID == "" {
			return l, checkpoint.ErrMissingThreadID
		}
		l.ckptCfg = checkpoint.ConfigFor(rc.ThreadID, "")
		tuple, err := l.saver.Get(ctx, run.cfg)
		if err != nil {
			return l, &CheckpointError{Op: "get", ThreadID: rc.ThreadID, Err: err}
		}
		if tuple != nil {
			l.ckpt, l.meta = checkpoint.Copy(tuple.Checkpoint), tuple.Metadata
			l.pending = tuple.PendingWrites
			l.ckptCfg = checkpoint.ConfigFor(rc.ThreadID, tuple.Checkpoint.ID)
		}
	}

	l.step = l.meta.Step + 1
	loopStart := l.step
	if input != nil {
		loopStart++
	}
	l.stop = loopStart + rc.RecursionLimit

	if l.chans, err = channels.Open(ctx, p.channels, l.ckpt.ChannelValues); err != nil {
		return l, err
	}
	l.mv, err = managed.Open(ctx, p.managed, managed.Scope{
		Checkpointer:   l.checkpointer(),
		Channels:       p.channels,
		OutputChannels: p.outputs,
		SingleOutput:   p.singleOutput,
		Stop:           l.stop,
		Config:         run.cfg,
	})
	if err != nil {
		return l, err
	}
	if l.exec, err = newExecutor(rc); err != nil {
		return l, err
	}
	return l, nil
}

func (l *loop) checkpointer() checkpoint.Saver {
	if l.saver == nil {
		return nil
	}
	return l.saver
}

// runLoop drives the invocation to completion, an interrupt or an error.
func (l *loop) runLoop(ctx context.Context) (err error) {
	ctx, span := l.run.spans.StartRunSpan(ctx, l.runID, l.rc.ThreadID)
	timer := observability.TimedOperation()
	observability.LogRunStart(l.logger, l.runID, l.rc.ThreadID, l.input == nil)
	defer func() {
		durationMs := timer()
		status := l.status
		if err != nil {
			observability.LogRunError(l.logger, l.runID, err, durationMs, l.step)
		} else {
			observability.LogRunComplete(l.logger, l.runID, status, durationMs, l.steps)
		}
		l.run.metrics.RecordRun(ctx, status, err == nil, time.Duration(durationMs*float64(time.Millisecond)))
		l.run.spans.EndSpanWithError(span, err)
	}()

	if err := l.first(ctx); err != nil {
		return err
	}
	for !l.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := l.tick(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// first applies the input, or prepares a resume when there is none.
func (l *loop) first(ctx context.Context) error {
	if l.input == nil && len(l.ckpt.ChannelVersions) > 0 {
		l.resuming = true
		for ch, v := range l.ckpt.ChannelVersions {
			l.ckpt.MarkSeen(Interrupt, ch, v)
		}
		return nil
	}

	writes, err := l.graph.mapInput(l.input, l.logger)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return ErrEmptyInput
	}

	// tasks triggered before the new input must not run on it
	discard, err := l.graph.prepareTasks(l.scope(), nil, l.step, true, l.run.cfg, l.logger)
	if err != nil {
		return err
	}
	results := make([]TaskWrites, 0, len(discard)+1)
	for _, t := range discard {
		results = append(results, TaskWrites{Name: t.Name, Triggers: t.Triggers})
	}
	results = append(results, TaskWrites{Name: Input, Writes: writes})
	if err := ApplyWrites(l.ckpt, l.chans.Channels(), results, l.graph.versions); err != nil {
		return err
	}
	l.pending = nil
	return l.putCheckpoint(ctx, checkpoint.SourceInput, map[string]any{Input: l.input}, nil)
}

func (l *loop) scope() *taskScope {
	return &taskScope{
		graph: l.graph,
		ckpt:  l.ckpt,
		chans: l.chans.Channels(),
		runID: l.runID,
		saver: l.checkpointer(),
	}
}

// tick runs one step. It reports whether the loop should continue.
func (l *loop) tick(ctx context.Context) (bool, error) {
	tasks, err := l.graph.prepareTasks(l.scope(), l.mv, l.step, true, l.run.cfg, l.logger)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		l.status = StatusDone
		return false, nil
	}
	if l.step >= l.stop {
		l.status = StatusOutOfSteps
		return false, &RecursionLimitError{Limit: l.rc.RecursionLimit, Step: l.step, Next: taskNames(tasks)}
	}

	l.applyPendingWrites(tasks)
	if !slices.ContainsFunc(tasks, func(t *Task) bool { return !t.isDone() }) {
		return l.afterTick(ctx, tasks, 0)
	}

	if ShouldInterrupt(l.ckpt, l.rc.InterruptBefore, tasks) {
		l.status = StatusInterruptBefore
		observability.LogInterrupt(l.logger, l.status, l.step, taskNames(tasks))
		return false, nil
	}

	if l.rc.Debug {
		printStepTasks(l.logger, l.step, tasks)
	}
	if l.rc.StreamMode == config.StreamDebug {
		for _, ev := range debugTasks(l.step, tasks) {
			if !l.yield(ev) {
				return false, nil
			}
		}
	}

	stepCtx, span := l.run.spans.StartStepSpan(ctx, l.step, len(tasks))
	timer := observability.TimedOperation()
	observability.LogStepStart(l.logger, l.step, taskNames(tasks))
	interrupted, err := l.execute(stepCtx, tasks)
	durationMs := timer()
	l.run.metrics.RecordStep(ctx, l.step, len(tasks), time.Duration(durationMs*float64(time.Millisecond)))
	l.run.spans.EndSpanWithError(span, err)
	if err != nil {
		return false, err
	}
	if interrupted {
		l.status = StatusInterruptBefore
		observability.LogInterrupt(l.logger, l.status, l.step, taskNames(tasks))
		return false, nil
	}
	return l.afterTick(ctx, tasks, durationMs)
}

// applyPendingWrites restores writes saved for tasks of this step by an
// earlier, interrupted invocation. Those tasks do not run again.
func (l *loop) applyPendingWrites(tasks []*Task) {
	if len(l.pending) == 0 {
		return
	}
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, pw := range l.pending {
		t, ok := byID[pw.TaskID]
		if !ok {
			continue
		}
		t.mu.Lock()
		t.writes = append(t.writes, checkpoint.Write{Channel: pw.Channel, Value: pw.Value})
		t.done = true
		t.mu.Unlock()
	}
	l.pending = nil
}

// afterTick applies the step's writes, emits its output and checkpoints.
func (l *loop) afterTick(ctx context.Context, tasks []*Task, durationMs float64) (bool, error) {
	results := make([]TaskWrites, len(tasks))
	var writes []checkpoint.Write
	for i, t := range tasks {
		results[i] = t.Result()
		writes = append(writes, results[i].Writes...)
	}
	if err := ApplyWrites(l.ckpt, l.chans.Channels(), results, l.graph.versions); err != nil {
		return false, err
	}
	l.steps++
	observability.LogStepComplete(l.logger, l.step, durationMs, len(writes))
	if l.rc.Debug {
		printStepWrites(l.logger, l.step, writes, l.chans.Names())
	}

	mode := l.rc.StreamMode
	if l.emit == nil {
		mode = ""
	}
	switch mode {
	case config.StreamValues:
		values, ok, err := mapOutputValues(l.chans.Channels(), l.graph.streams, l.graph.singleStream, writes)
		if err != nil {
			return false, err
		}
		if ok && !l.yield(values) {
			return false, nil
		}
	case config.StreamUpdates:
		if updates, ok := mapOutputUpdates(l.graph.outputs, l.graph.singleOutput, tasks); ok && !l.yield(updates) {
			return false, nil
		}
	case config.StreamDebug:
		for _, ev := range debugTaskResults(l.step, tasks) {
			if !l.yield(ev) {
				return false, nil
			}
		}
	}

	var updates map[string]any
	if u, ok := mapOutputUpdates(l.graph.outputs, l.graph.singleOutput, tasks); ok {
		updates = u
	}
	if err := l.putCheckpoint(ctx, checkpoint.SourceLoop, updates, tasks); err != nil {
		return false, err
	}

	if ShouldInterrupt(l.ckpt, l.rc.InterruptAfter, tasks) {
		l.status = StatusInterruptAfter
		observability.LogInterrupt(l.logger, l.status, l.step-1, taskNames(tasks))
		return false, nil
	}
	return !l.stopped, nil
}

// yield hands data to the stream consumer, if any. It returns false once
// the consumer has stopped.
func (l *loop) yield(data any) bool {
	if l.emit == nil {
		return true
	}
	if !l.emit(StreamChunk{Mode: l.rc.StreamMode, Step: l.step, Data: data}) {
		l.stopped = true
	}
	return !l.stopped
}

// putCheckpoint snapshots the channels into a new checkpoint, queues it
// for saving and advances the step.
func (l *loop) putCheckpoint(ctx context.Context, source checkpoint.Source, writes map[string]any, tasks []*Task) error {
	values, err := l.chans.Snapshot()
	if err != nil {
		return err
	}
	l.ckpt = checkpoint.Create(l.ckpt, values)
	for _, t := range tasks {
		l.ckpt.CurrentTasks[t.ID] = checkpoint.TaskInfo{Status: checkpoint.TaskSuccess}
	}
	l.meta = checkpoint.Metadata{Source: source, Step: l.step, Writes: writes}

	if l.saver != nil {
		parent := l.ckptCfg
		l.ckptCfg = checkpoint.ConfigFor(l.rc.ThreadID, l.ckpt.ID)
		saved := checkpoint.Copy(l.ckpt)
		f := l.saver.PutAsync(l.persistCtx, parent, saved, l.meta)
		l.track("put", func(ctx context.Context) error {
			_, err := f.Wait(ctx)
			return err
		})
		observability.LogCheckpoint(l.logger, l.rc.ThreadID, saved.ID, l.step)
		if l.run.metricsEnabled {
			if data, err := checkpoint.Marshal(saved); err == nil {
				l.run.metrics.RecordCheckpoint(ctx, string(source), int64(len(data)))
			}
		}
	}

	if l.rc.Debug || l.rc.StreamMode == config.StreamDebug {
		streamed, _, err := readOutput(l.chans.Channels(), l.graph.streams, l.graph.singleStream)
		if err != nil {
			return err
		}
		if l.rc.Debug {
			printStepCheckpoint(l.logger, l.step, streamed)
		}
		if l.rc.StreamMode == config.StreamDebug && source == checkpoint.SourceLoop {
			l.yield(debugCheckpoint(l.step, l.ckptCfg, streamed, l.meta))
		}
	}

	l.step++
	return nil
}

// execute runs the tasks of the step that are not done yet. A failing
// task cancels its siblings. It reports whether a task interrupted.
func (l *loop) execute(ctx context.Context, tasks []*Task) (bool, error) {
	pending := slices.DeleteFunc(slices.Clone(tasks), (*Task).isDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu          sync.Mutex
		firstErr    error
		interrupted bool
	)
	errs := l.exec.run(ctx, pending, func(ctx context.Context, t *Task) error {
		err := l.runTask(ctx, t)
		if err == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, ErrGraphInterrupt) {
			interrupted = true
		} else if firstErr == nil {
			firstErr = err
			cancel()
		}
		return err
	})
	for _, err := range errs {
		if err != nil && firstErr == nil && !errors.Is(err, ErrGraphInterrupt) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return false, firstErr
	}
	return interrupted, nil
}

// runTask runs one task with its retry policy and saves its writes once
// it succeeds.
func (l *loop) runTask(ctx context.Context, t *Task) error {
	ctx, span := l.run.spans.StartTaskSpan(ctx, t.Name, t.ID)
	start := time.Now()
	logger := observability.EnrichLogger(l.run.logger, l.runID, l.rc.ThreadID, t.Name, t.ID, l.step, 1)
	observability.LogTaskStart(logger, t.Name, t.ID)

	attempt := func(ctx context.Context, n int) (struct{}, error) {
		t.resetWrites()
		tc := &taskContext{
			Context: ctx,
			task:    t,
			logger:  observability.EnrichLogger(l.run.logger, l.runID, l.rc.ThreadID, t.Name, t.ID, l.step, n),
			attempt: n,
		}
		return struct{}{}, invokeTask(tc, t)
	}

	var err error
	attempts := 1
	if t.retry != nil {
		cfg := *t.retry
		retryable := cfg.RetryableFunc
		if retryable == nil {
			retryable = flowerrors.IsRetryable
		}
		cfg.RetryableFunc = func(err error) bool {
			return !errors.Is(err, ErrGraphInterrupt) && retryable(err)
		}
		res := flowerrors.WithRetryContext(ctx, cfg, attempt)
		err, attempts = res.Err, max(res.Attempts, 1)
	} else {
		_, err = attempt(ctx, 1)
	}
	l.run.metrics.RecordTask(ctx, t.Name, time.Since(start), err)

	var interrupt *GraphInterrupt
	switch {
	case errors.As(err, &interrupt):
		if interrupt.Node == "" {
			interrupt.Node = t.Name
		}
		l.run.spans.AddSpanEvent(ctx, "interrupt")
		l.run.spans.EndSpanWithError(span, nil)
		return interrupt
	case err != nil:
		observability.LogTaskError(logger, t.Name, t.ID, err)
		err = &NodeError{Node: t.Name, TaskID: t.ID, Op: "execute", Attempts: attempts, Err: err}
		l.run.spans.EndSpanWithError(span, err)
		return err
	}

	t.markDone()
	observability.LogTaskComplete(logger, t.Name, t.ID, float64(time.Since(start).Milliseconds()))
	l.run.spans.EndSpanWithError(span, nil)

	if l.saver != nil {
		f := l.saver.PutWritesAsync(l.persistCtx, l.ckptCfg, t.Writes(), t.ID)
		l.track("put_writes", func(ctx context.Context) error {
			_, err := f.Wait(ctx)
			return err
		})
	}
	return nil
}

// invokeTask runs the task's runnable once, turning a panic into a
// *PanicError.
func invokeTask(ctx Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Node: t.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	out, err := t.proc.Invoke(ctx, t.Input)
	if err != nil {
		return err
	}
	_, err = resolve(ctx, out)
	return err
}

func (l *loop) track(op string, wait func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persists = append(l.persists, persist{op: op, wait: wait})
}

// close waits for queued persistence and releases the invocation's
// resources. Every failure is reported.
func (l *loop) close() error {
	var result *multierror.Error

	l.mu.Lock()
	persists := l.persists
	l.persists = nil
	l.mu.Unlock()
	for _, p := range persists {
		if err := p.wait(l.persistCtx); err != nil {
			observability.LogCheckpointError(l.logger, l.rc.ThreadID, p.op, err)
			result = multierror.Append(result, &CheckpointError{Op: p.op, ThreadID: l.rc.ThreadID, Err: err})
		}
	}

	if l.exec != nil {
		l.exec.close()
	}
	if l.mv != nil {
		if err := l.mv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if l.chans != nil {
		if err := l.chans.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
