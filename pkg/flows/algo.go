package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

// ApplyWrites applies the writes of finished tasks to the live channels
// and advances ckpt in place:
//
//  1. each task's triggers are recorded as seen by the task's node;
//  2. triggered channels are consumed;
//  3. writes to Tasks replace the pending sends;
//  4. every other write updates its channel, in task order;
//  5. channels nobody wrote to get an empty update.
//
// Every channel that changes gets the next version after the highest
// current one.
func ApplyWrites(ckpt *checkpoint.Checkpoint, chans map[string]*channels.Channel, tasks []TaskWrites, next checkpoint.VersionGenerator) error {
	if next == nil {
		next = checkpoint.IncrementVersion
	}
	if ckpt.ChannelVersions == nil {
		ckpt.ChannelVersions = map[string]checkpoint.Version{}
	}

	var triggered []string
	for _, t := range tasks {
		for _, ch := range t.Triggers {
			ckpt.MarkSeen(t.Name, ch, ckpt.ChannelVersions[ch])
			if !isReserved(ch) && !slices.Contains(triggered, ch) {
				triggered = append(triggered, ch)
			}
		}
	}
	slices.Sort(triggered)

	maxVersion := checkpoint.MaxVersion(ckpt.ChannelVersions)
	for _, name := range triggered {
		if ch, ok := chans[name]; ok && ch.Consume() {
			ckpt.ChannelVersions[name] = next(maxVersion)
		}
	}

	ckpt.PendingSends = []checkpoint.Send{}
	pending := map[string][]any{}
	for _, t := range tasks {
		for _, w := range t.Writes {
			if w.Channel == Tasks {
				if send, ok := asSend(w.Value); ok {
					ckpt.PendingSends = append(ckpt.PendingSends, send)
				}
				continue
			}
			pending[w.Channel] = append(pending[w.Channel], w.Value)
		}
	}

	maxVersion = checkpoint.MaxVersion(ckpt.ChannelVersions)
	updated := make(map[string]struct{}, len(pending))
	for _, name := range slices.Sorted(maps.Keys(pending)) {
		ch, ok := chans[name]
		if !ok {
			continue
		}
		changed, err := ch.Update(pending[name])
		if err != nil {
			return err
		}
		if changed {
			ckpt.ChannelVersions[name] = next(maxVersion)
		}
		updated[name] = struct{}{}
	}

	for _, name := range slices.Sorted(maps.Keys(chans)) {
		if _, ok := updated[name]; ok {
			continue
		}
		changed, err := chans[name].Update(nil)
		if err != nil {
			return err
		}
		if changed {
			ckpt.ChannelVersions[name] = next(maxVersion)
		}
	}
	return nil
}

// ShouldInterrupt reports whether the run must stop around tasks: some
// channel changed since the last interrupt and one of the tasks belongs
// to a node selected by nodes. The wildcard selects every task that is
// not hidden.
func ShouldInterrupt(ckpt *checkpoint.Checkpoint, nodes []string, tasks []*Task) bool {
	if len(nodes) == 0 || len(tasks) == 0 {
		return false
	}
	seen := ckpt.VersionsSeen[Interrupt]
	changed := false
	for ch, v := range ckpt.ChannelVersions {
		if checkpoint.CompareVersions(v, seen[ch]) > 0 {
			changed = true
			break
		}
	}
	if !changed {
		return false
	}
	all := config.IsAll(nodes)
	for _, t := range tasks {
		if slices.Contains(nodes, t.Name) || (all && !t.Hidden()) {
			return true
		}
	}
	return false
}

// PrepareNextTasks returns the tasks of step: one per pending Send,
// followed by one per node with a trigger channel updated since the node
// last ran, in node declaration order.
//
// With forExecution the tasks can be run; otherwise they only describe
// what would run, and managed values are not resolved when mv is nil.
// Calling it twice on the same state yields the same tasks and ids.
func (p *Pregel) PrepareNextTasks(ckpt *checkpoint.Checkpoint, chans map[string]*channels.Channel, mv *managed.Manager, step int, forExecution bool, cfg config.Config) ([]*Task, error) {
	scope := &taskScope{graph: p, ckpt: ckpt, chans: chans, saver: p.Checkpointer()}
	return p.prepareTasks(scope, mv, step, forExecution, cfg, p.logger)
}

func (p *Pregel) prepareTasks(scope *taskScope, mv *managed.Manager, step int, forExecution bool, cfg config.Config, logger *slog.Logger) ([]*Task, error) {
	ckpt, chans := scope.ckpt, scope.chans
	var tasks []*Task
	newTask := func(name string, node *Node, input any, triggers []string, proc Runnable) *Task {
		meta := TaskMetadata{Step: step, Node: name, Triggers: triggers, TaskIdx: len(tasks)}
		t := &Task{
			ID:       taskID(ckpt.ID, meta),
			Name:     name,
			Input:    input,
			Triggers: triggers,
			Metadata: meta,
			Config:   cfg,
			Tags:     node.Tags(),
		}
		if forExecution {
			t.proc, t.retry, t.scope = proc, node.retry, scope
		}
		return t
	}

	for _, send := range ckpt.PendingSends {
		node, ok := p.nodes[send.Node]
		if !ok {
			logger.Warn("skipping send to unknown node", "node", send.Node)
			continue
		}
		proc := node.runnable()
		if proc == nil {
			logger.Warn("skipping send to node with nothing to run", "node", send.Node)
			continue
		}
		tasks = append(tasks, newTask(send.Node, node, send.Arg, []string{Tasks}, proc))
	}

	if len(ckpt.ChannelVersions) == 0 {
		return tasks, nil
	}

	for _, name := range p.order {
		node := p.nodes[name]
		proc := node.runnable()
		if proc == nil {
			continue
		}
		triggers := p.triggersFor(ckpt, chans, name, node)
		if len(triggers) == 0 {
			continue
		}
		input, ok, err := p.nodeInput(chans, mv, name, node, step)
		if err != nil {
			return nil, fmt.Errorf("prepare input of node %s: %w", name, err)
		}
		if !ok {
			continue
		}
		tasks = append(tasks, newTask(name, node, input, triggers, proc))
	}
	return tasks, nil
}

// triggersFor returns the sorted trigger channels of node that are not
// empty and were updated since the node last saw them.
func (p *Pregel) triggersFor(ckpt *checkpoint.Checkpoint, chans map[string]*channels.Channel, name string, node *Node) []string {
	var out []string
	seen := ckpt.VersionsSeen[name]
	for _, chName := range node.triggers {
		ch, ok := chans[chName]
		if !ok || ch.IsEmpty() || slices.Contains(out, chName) {
			continue
		}
		if checkpoint.CompareVersions(ckpt.ChannelVersions[chName], seen[chName]) > 0 {
			out = append(out, chName)
		}
	}
	slices.Sort(out)
	return out
}

// nodeInput builds the input of a node. It reports false when a required
// channel is empty and the node must not run.
func (p *Pregel) nodeInput(chans map[string]*channels.Channel, mv *managed.Manager, name string, node *Node, step int) (any, bool, error) {
	var input any
	if node.mapping != nil {
		values := make(map[string]any, len(node.mapping)+len(node.managed))
		for _, key := range slices.Sorted(maps.Keys(node.mapping)) {
			chName := node.mapping[key]
			v, err := readChannel(chans, chName)
			if errors.Is(err, channels.ErrEmptyChannel) {
				if slices.Contains(node.triggers, chName) {
					return nil, false, nil
				}
				continue
			}
			if err != nil {
				return nil, false, err
			}
			values[key] = v
		}
		if mv != nil {
			for _, key := range slices.Sorted(maps.Keys(node.managed)) {
				value, ok := mv.Get(managedKey(name, key))
				if !ok {
					return nil, false, fmt.Errorf("managed value %s is not open", key)
				}
				v, err := value.Get(step, managed.TaskDescription{Name: name, Input: maps.Clone(values)})
				if err != nil {
					return nil, false, fmt.Errorf("managed value %s: %w", key, err)
				}
				values[key] = v
			}
		}
		input = values
	} else {
		values := make(map[string]any, len(node.channels))
		for _, chName := range node.channels {
			v, err := readChannel(chans, chName)
			if errors.Is(err, channels.ErrEmptyChannel) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			values[chName] = v
		}
		if len(node.channels) == 1 {
			input = values[node.channels[0]]
		} else {
			input = values
		}
	}

	if node.mapper != nil {
		mapped, err := node.mapper(input)
		if err != nil {
			return nil, false, err
		}
		input = mapped
	}
	return input, true, nil
}

func readChannel(chans map[string]*channels.Channel, name string) (any, error) {
	ch, ok := chans[name]
	if !ok {
		return nil, channels.ErrEmptyChannel
	}
	return ch.Get()
}
