package flows

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	flowerrors "github.com/randalmurphal/flowstack/pkg/flows/errors"
)

// TaskMetadata identifies a task within its checkpoint. The task id is
// derived from its JSON form.
type TaskMetadata struct {
	Step     int      `json:"step"`
	Node     string   `json:"node"`
	Triggers []string `json:"triggers"`
	TaskIdx  int      `json:"task_idx"`
}

// Task is one scheduled execution of a node.
type Task struct {
	ID       string
	Name     string
	Input    any
	Triggers []string
	Metadata TaskMetadata
	Config   config.Config
	Tags     []string

	proc  Runnable
	retry *flowerrors.RetryConfig
	scope *taskScope

	mu     sync.Mutex
	writes []checkpoint.Write
	done   bool
}

// TaskWrites is what ApplyWrites needs of a finished task.
type TaskWrites struct {
	Name     string
	Writes   []checkpoint.Write
	Triggers []string
}

// taskScope is the step state shared by the tasks of one step.
type taskScope struct {
	graph *Pregel
	ckpt  *checkpoint.Checkpoint
	chans map[string]*channels.Channel
	runID string
	saver checkpoint.Saver
}

// Hidden reports whether the task carries the Hidden tag.
func (t *Task) Hidden() bool {
	return slices.Contains(t.Tags, Hidden)
}

// Writes returns a copy of the writes queued so far.
func (t *Task) Writes() []checkpoint.Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.writes)
}

// Result returns the task's writes for ApplyWrites.
func (t *Task) Result() TaskWrites {
	return TaskWrites{Name: t.Name, Writes: t.Writes(), Triggers: t.Triggers}
}

func (t *Task) resetWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = nil
}

func (t *Task) isDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Task) markDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
}

// write validates and queues writes. Sends must target declared nodes.
// Writes to undeclared channels are kept but nothing will read them.
func (t *Task) write(logger *slog.Logger, writes []checkpoint.Write) error {
	queued := make([]checkpoint.Write, 0, len(writes))
	for _, w := range writes {
		if w.Channel == Tasks {
			send, ok := asSend(w.Value)
			if !ok {
				return &channels.InvalidUpdateError{
					Channel: Tasks,
					Values:  []any{w.Value},
					Reason:  fmt.Sprintf("expected a Send, got %T", w.Value),
				}
			}
			if _, ok := t.scope.graph.nodes[send.Node]; !ok {
				return &channels.InvalidUpdateError{
					Channel: Tasks,
					Values:  []any{w.Value},
					Reason:  fmt.Sprintf("send to unknown node %s", send.Node),
				}
			}
			w.Value = send
		} else if _, ok := t.scope.graph.channels[w.Channel]; !ok {
			logger.Warn("write to channel with no readers", "channel", w.Channel)
		}
		queued = append(queued, w)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, queued...)
	return nil
}

// read returns a channel value as of the start of the step or, with
// fresh, after applying the task's own writes to a private copy.
func (t *Task) read(name string, fresh bool) (any, error) {
	chans, err := t.channels(fresh)
	if err != nil {
		return nil, err
	}
	ch, ok := chans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch.Get()
}

func (t *Task) readMany(names []string, fresh bool) (map[string]any, error) {
	chans, err := t.channels(fresh)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		ch, ok := chans[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		v, err := ch.Get()
		if errors.Is(err, channels.ErrEmptyChannel) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (t *Task) channels(fresh bool) (map[string]*channels.Channel, error) {
	if !fresh {
		return t.scope.chans, nil
	}
	ckpt := checkpoint.Copy(t.scope.ckpt)
	chans := make(map[string]*channels.Channel, len(t.scope.chans))
	for name, ch := range t.scope.chans {
		if ch.Spec().Kind() == channels.KindContext {
			chans[name] = ch
			continue
		}
		chans[name] = ch.Clone()
	}
	if err := ApplyWrites(ckpt, chans, []TaskWrites{t.Result()}, t.scope.graph.versions); err != nil {
		return nil, err
	}
	return chans, nil
}

// asSend accepts a Send, a *Send or the decoded JSON form of one.
func asSend(v any) (Send, bool) {
	switch s := v.(type) {
	case Send:
		return s, s.Node != ""
	case *Send:
		if s == nil {
			return Send{}, false
		}
		return *s, s.Node != ""
	case map[string]any:
		node, _ := s["node"].(string)
		return Send{Node: node, Arg: s["arg"]}, node != ""
	}
	return Send{}, false
}

// taskID derives a deterministic id from the checkpoint id and the task
// metadata.
func taskID(checkpointID string, meta TaskMetadata) string {
	data, err := json.Marshal(meta)
	if err != nil {
		data = fmt.Appendf(nil, "%v", meta)
	}
	ns, err := uuid.Parse(checkpointID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(checkpointID))
	}
	return uuid.NewSHA1(ns, data).String()
}
