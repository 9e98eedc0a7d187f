package flows

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/future"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

// Pregel is a compiled graph. It is immutable and safe for concurrent
// use: every invocation gets its own channels, managed values and
// executor.
type Pregel struct {
	channels map[string]*channels.Spec
	nodes    map[string]*Node
	order    []string

	inputs, outputs, streams               []string
	singleInput, singleOutput, singleStream bool

	managed  map[string]managed.Spec
	saver    *checkpoint.AsyncSaver
	versions checkpoint.VersionGenerator
	defaults config.Config
	logger   *slog.Logger

	// savers opened from the checkpoint block of the config, by backend
	mu     sync.Mutex
	opened map[config.StoreConfig]*checkpoint.AsyncSaver
	closed bool
}

// StateSnapshot is the state of a thread at one checkpoint.
type StateSnapshot struct {
	// Values are the stream channel values.
	Values any
	// Next are the nodes that would run in the next step.
	Next      []string
	Metadata  checkpoint.Metadata
	CreatedAt time.Time
	// Config addresses the checkpoint.
	Config config.Config
	// ParentConfig addresses the previous checkpoint, if any.
	ParentConfig *config.Config
}

// Nodes returns the node names in declaration order.
func (p *Pregel) Nodes() []string { return slices.Clone(p.order) }

// InputChannels returns the input channel names.
func (p *Pregel) InputChannels() []string { return slices.Clone(p.inputs) }

// OutputChannels returns the output channel names.
func (p *Pregel) OutputChannels() []string { return slices.Clone(p.outputs) }

// StreamChannels returns the channels streamed in values mode.
func (p *Pregel) StreamChannels() []string { return slices.Clone(p.streams) }

// Checkpointer returns the saver passed to WithCheckpointer, or nil.
func (p *Pregel) Checkpointer() checkpoint.Saver {
	if p.saver == nil {
		return nil
	}
	return p.saver
}

// saverFor returns the saver for the store selected by sc: the compiled
// checkpointer when there is one, else the configured backend. A backend
// is opened on first use and shared by later invocations and state calls
// until Close. It returns nil when nothing is configured.
func (p *Pregel) saverFor(ctx context.Context, sc config.StoreConfig) (*checkpoint.AsyncSaver, error) {
	if p.saver != nil {
		return p.saver, nil
	}
	if sc.Backend == "" {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, checkpoint.ErrSaverClosed
	}
	if s, ok := p.opened[sc]; ok {
		return s, nil
	}
	saver, err := checkpoint.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	if p.opened == nil {
		p.opened = make(map[config.StoreConfig]*checkpoint.AsyncSaver)
	}
	s := checkpoint.Async(saver)
	p.opened[sc] = s
	return s, nil
}

// stateSaver is saverFor for the state methods, which take the thread
// config directly.
func (p *Pregel) stateSaver(ctx context.Context, cfg config.Config) (*checkpoint.AsyncSaver, error) {
	saver, err := p.saverFor(ctx, config.ParseStoreConfig(p.defaults.Merge(cfg)))
	if err != nil {
		return nil, err
	}
	if saver == nil {
		return nil, ErrNoCheckpointer
	}
	return saver, nil
}

// Close closes the checkpoint backends opened from configuration. A saver
// passed to WithCheckpointer belongs to the caller and stays open.
func (p *Pregel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var result *multierror.Error
	for _, s := range p.opened {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.opened = nil
	return result.ErrorOrNil()
}

// Invoke runs the graph on input until no node is triggered and returns
// the output channel values: the value itself with a single output
// channel, or a map of the non-empty ones.
//
// A nil input resumes the thread selected by WithThreadID from its latest
// checkpoint. A run stopped by an interrupt returns the current output
// and a nil error.
//
// Example:
//
//	out, err := p.Invoke(ctx, "what is a superstep?", flows.WithThreadID("t1"))
func (p *Pregel) Invoke(ctx context.Context, input any, opts ...RunOption) (any, error) {
	return p.run(ctx, input, opts, nil)
}

// InvokeAsync runs Invoke in the background.
func (p *Pregel) InvokeAsync(ctx context.Context, input any, opts ...RunOption) *future.Future[any] {
	return future.Go(func() (any, error) {
		return p.Invoke(ctx, input, opts...)
	})
}

// Stream runs the graph and yields a chunk per step in the mode selected
// by WithStreamMode. A failed run yields its error last. Stopping the
// iteration early stops the run after the current step.
//
// Example:
//
//	for chunk, err := range p.Stream(ctx, input, flows.WithStreamMode(config.StreamUpdates)) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(chunk.Step, chunk.Data)
//	}
func (p *Pregel) Stream(ctx context.Context, input any, opts ...RunOption) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		stopped := false
		_, err := p.run(ctx, input, opts, func(chunk StreamChunk) bool {
			if !yield(chunk, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(StreamChunk{}, err)
		}
	}
}

// StreamChan runs Stream in a goroutine and delivers its results on a
// channel, which is closed when the run ends. Canceling ctx stops the run.
func (p *Pregel) StreamChan(ctx context.Context, input any, opts ...RunOption) <-chan StreamResult {
	out := make(chan StreamResult)
	go func() {
		defer close(out)
		for chunk, err := range p.Stream(ctx, input, opts...) {
			select {
			case out <- StreamResult{Chunk: chunk, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// run executes one invocation, emitting chunks through emit when it is
// not nil.
func (p *Pregel) run(ctx context.Context, input any, opts []RunOption, emit func(StreamChunk) bool) (out any, err error) {
	rcfg := defaultRunConfig(p.defaults, p.logger)
	for _, opt := range opts {
		opt(&rcfg)
	}

	l, err := p.newLoop(ctx, input, rcfg, emit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := l.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := l.runLoop(ctx); err != nil {
		return nil, err
	}
	out, ok, err := readOutput(l.chans.Channels(), p.outputs, p.singleOutput)
	if err != nil || !ok {
		return nil, err
	}
	return out, nil
}

// GetState returns the state of the checkpoint addressed by cfg: the
// latest of its thread, or the one pinned by thread_ts.
func (p *Pregel) GetState(ctx context.Context, cfg config.Config) (*StateSnapshot, error) {
	saver, err := p.stateSaver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tuple, err := saver.Get(ctx, cfg)
	if err != nil {
		return nil, &CheckpointError{Op: "get", ThreadID: cfg.ThreadID(), Err: err}
	}
	if tuple == nil {
		return &StateSnapshot{Config: cfg}, nil
	}
	return p.snapshot(ctx, tuple)
}

// GetStateHistory returns the states of the thread of cfg, newest first.
// A limit of zero or less returns all of them.
func (p *Pregel) GetStateHistory(ctx context.Context, cfg config.Config, limit int) ([]*StateSnapshot, error) {
	saver, err := p.stateSaver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tuples, err := saver.List(ctx, checkpoint.Filter{ThreadID: cfg.ThreadID()}, limit)
	if err != nil {
		return nil, &CheckpointError{Op: "list", ThreadID: cfg.ThreadID(), Err: err}
	}
	out := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		snap, err := p.snapshot(ctx, tuple)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p *Pregel) snapshot(ctx context.Context, tuple *checkpoint.Tuple) (*StateSnapshot, error) {
	mgr, err := channels.Open(ctx, p.storedChannels(), tuple.Checkpoint.ChannelValues)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	scope := &taskScope{graph: p, ckpt: checkpoint.Copy(tuple.Checkpoint), chans: mgr.Channels()}
	tasks, err := p.prepareTasks(scope, nil, tuple.Metadata.Step+1, false, tuple.Config, p.logger)
	if err != nil {
		return nil, err
	}
	values, _, err := readOutput(mgr.Channels(), p.streams, p.singleStream)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		Values:       values,
		Next:         taskNames(tasks),
		Metadata:     tuple.Metadata,
		CreatedAt:    tuple.Checkpoint.TS,
		Config:       tuple.Config,
		ParentConfig: tuple.ParentConfig,
	}, nil
}

// UpdateState writes values to the thread of cfg as if node asNode had
// returned them, and saves the result as a new checkpoint. It returns the
// config addressing that checkpoint.
//
// When asNode is empty it is inferred: on a thread no node has run on
// yet, the single input channel when it shares its name with a node;
// otherwise the node that ran last. ErrAmbiguousUpdate is returned when
// several nodes ran last.
func (p *Pregel) UpdateState(ctx context.Context, cfg config.Config, values any, asNode string) (config.Config, error) {
	saver, err := p.stateSaver(ctx, cfg)
	if err != nil {
		return config.Config{}, err
	}
	threadID := cfg.ThreadID()
	tuple, err := saver.Get(ctx, cfg)
	if err != nil {
		return config.Config{}, &CheckpointError{Op: "get", ThreadID: threadID, Err: err}
	}

	ckpt, step, parent := checkpoint.Empty(), -1, checkpoint.ConfigFor(threadID, "")
	if tuple != nil {
		ckpt, step, parent = checkpoint.Copy(tuple.Checkpoint), tuple.Metadata.Step+1, tuple.Config
	}

	if asNode == "" {
		if asNode, err = p.inferUpdateNode(ckpt); err != nil {
			return config.Config{}, err
		}
	}
	node, ok := p.nodes[asNode]
	if !ok {
		return config.Config{}, fmt.Errorf("%w: %s", ErrUnknownNode, asNode)
	}
	writers := node.writersOptimized()
	if len(writers) == 0 {
		return config.Config{}, fmt.Errorf("node %s has no writers to update state with", asNode)
	}

	mgr, err := channels.Open(ctx, p.storedChannels(), ckpt.ChannelValues)
	if err != nil {
		return config.Config{}, err
	}
	defer mgr.Close()

	meta := TaskMetadata{Step: step, Node: asNode, Triggers: []string{Interrupt}}
	task := &Task{
		ID:       taskID(ckpt.ID, meta),
		Name:     asNode,
		Input:    values,
		Triggers: meta.Triggers,
		Metadata: meta,
		Config:   cfg,
		Tags:     node.Tags(),
		proc:     Pipe(writers...),
		scope:    &taskScope{graph: p, ckpt: ckpt, chans: mgr.Channels(), saver: saver},
	}
	tc := &taskContext{Context: ctx, task: task, logger: p.logger, attempt: 1}
	if err := invokeTask(tc, task); err != nil {
		return config.Config{}, &NodeError{Node: asNode, TaskID: task.ID, Op: "write", Attempts: 1, Err: err}
	}
	if err := ApplyWrites(ckpt, mgr.Channels(), []TaskWrites{task.Result()}, p.versions); err != nil {
		return config.Config{}, err
	}

	state, err := mgr.Snapshot()
	if err != nil {
		return config.Config{}, err
	}
	next := checkpoint.Create(ckpt, state)
	saved, err := saver.Put(ctx, parent, next, checkpoint.Metadata{
		Source: checkpoint.SourceUpdate,
		Step:   step,
		Writes: map[string]any{asNode: values},
	})
	if err != nil {
		return config.Config{}, &CheckpointError{Op: "put", ThreadID: threadID, Err: err}
	}
	return saved, nil
}

func (p *Pregel) inferUpdateNode(ckpt *checkpoint.Checkpoint) (string, error) {
	type seenBy struct {
		version checkpoint.Version
		node    string
	}
	var seen []seenBy
	for node, versions := range ckpt.VersionsSeen {
		if _, ok := p.nodes[node]; !ok {
			continue
		}
		for _, v := range versions {
			seen = append(seen, seenBy{version: v, node: node})
		}
	}

	if len(seen) == 0 {
		if p.singleInput {
			if _, ok := p.nodes[p.inputs[0]]; ok {
				return p.inputs[0], nil
			}
		}
		return "", ErrAmbiguousUpdate
	}

	slices.SortFunc(seen, func(a, b seenBy) int {
		if c := checkpoint.CompareVersions(a.version, b.version); c != 0 {
			return c
		}
		return cmp.Compare(a.node, b.node)
	})
	last := seen[len(seen)-1]
	if len(seen) > 1 {
		prev := seen[len(seen)-2]
		if prev.node != last.node && checkpoint.CompareVersions(prev.version, last.version) == 0 {
			return "", ErrAmbiguousUpdate
		}
	}
	return last.node, nil
}

// storedChannels returns the specs of every channel kept in checkpoints.
func (p *Pregel) storedChannels() map[string]*channels.Spec {
	out := make(map[string]*channels.Spec, len(p.channels))
	for name, spec := range p.channels {
		if spec.Kind() != channels.KindContext {
			out[name] = spec
		}
	}
	return out
}

func taskNames(tasks []*Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}
