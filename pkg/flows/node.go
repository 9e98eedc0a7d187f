package flows

import (
	"maps"
	"slices"

	flowerrors "github.com/randalmurphal/flowstack/pkg/flows/errors"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

// Node declares a processing unit: the channels it reads, the channels
// whose updates trigger it, the Runnable it runs and the writers that
// publish the result.
//
// Build nodes with Subscribe or SubscribeTo and chain the remaining
// settings:
//
//	node := flows.Subscribe("question").
//	    Do(flows.RunnableFunc(answer)).
//	    WriteTo("answer")
type Node struct {
	// channels is the list form: every channel must be non-empty.
	channels []string
	// mapping is the keyed form: input is a map of key to channel value.
	mapping map[string]string
	managed map[string]managed.Spec

	triggers []string
	bound    Runnable
	writers  []Runnable
	mapper   func(any) (any, error)
	retry    *flowerrors.RetryConfig
	tags     []string
}

// Subscribe returns a node that reads the given channels and is triggered
// by any of them. With one channel the input is that channel's value;
// with several it is a map of channel name to value. The node only runs
// when all of them are non-empty.
func Subscribe(channels ...string) *Node {
	return &Node{
		channels: slices.Clone(channels),
		triggers: slices.Clone(channels),
	}
}

// SubscribeTo returns a node whose input is a map built from mapping
// (input key to channel name). It is triggered by every mapped channel
// unless Triggers narrows the set. Empty non-trigger channels are left
// out of the input.
func SubscribeTo(mapping map[string]string) *Node {
	n := &Node{mapping: maps.Clone(mapping)}
	for _, key := range slices.Sorted(maps.Keys(mapping)) {
		if !slices.Contains(n.triggers, mapping[key]) {
			n.triggers = append(n.triggers, mapping[key])
		}
	}
	return n
}

// Triggers replaces the set of channels whose updates run the node.
func (n *Node) Triggers(channels ...string) *Node {
	n.triggers = slices.Clone(channels)
	return n
}

// WithManaged adds a managed value to the node's input under key. It
// turns a list-form node with a single channel into the keyed form, with
// the channel under its own name.
func (n *Node) WithManaged(key string, spec managed.Spec) *Node {
	if n.mapping == nil {
		n.mapping = make(map[string]string, len(n.channels))
		for _, ch := range n.channels {
			n.mapping[ch] = ch
		}
		n.channels = nil
	}
	if n.managed == nil {
		n.managed = map[string]managed.Spec{}
	}
	n.managed[key] = spec
	return n
}

// Do appends r to the node. Writers are added after the existing ones;
// anything else is chained after the bound runnable.
func (n *Node) Do(r Runnable) *Node {
	switch {
	case isWriter(r):
		n.writers = append(n.writers, r)
	case n.bound == nil:
		n.bound = r
	default:
		n.bound = Pipe(n.bound, r)
	}
	return n
}

// Then appends a function to the node, like Do.
func (n *Node) Then(fn func(ctx Context, input any) (any, error)) *Node {
	return n.Do(RunnableFunc(fn))
}

// WriteTo writes the node's output to each channel.
func (n *Node) WriteTo(channels ...string) *Node {
	w := &ChannelWrite{}
	for _, ch := range channels {
		w.Entries = append(w.Entries, PassthroughTo(ch))
	}
	return n.Do(w)
}

// Sends publishes Send packets returned by the node.
func (n *Node) Sends() *Node {
	return n.Do(SendWriter{})
}

// Map transforms the resolved input before the node runs.
func (n *Node) Map(fn func(any) (any, error)) *Node {
	n.mapper = fn
	return n
}

// Retry retries failed attempts according to cfg. Only errors classified
// as transient are retried.
func (n *Node) Retry(cfg flowerrors.RetryConfig) *Node {
	n.retry = &cfg
	return n
}

// Tag adds tags to the node. Tag Hidden keeps its tasks out of
// interrupts, updates and debug output.
func (n *Node) Tag(tags ...string) *Node {
	n.tags = append(n.tags, tags...)
	return n
}

// Tags returns the node's tags.
func (n *Node) Tags() []string { return slices.Clone(n.tags) }

// Channels returns the channels the node reads, sorted.
func (n *Node) Channels() []string {
	if n.mapping == nil {
		return slices.Clone(n.channels)
	}
	var out []string
	for _, ch := range n.mapping {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}

// hidden reports whether the node carries the Hidden tag.
func (n *Node) hidden() bool {
	return slices.Contains(n.tags, Hidden)
}

// writersOptimized returns the writers with consecutive ChannelWrites
// merged into one. Writers with required channels stay separate.
func (n *Node) writersOptimized() []Runnable {
	out := make([]Runnable, 0, len(n.writers))
	for _, w := range n.writers {
		if cw, ok := w.(*ChannelWrite); ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(*ChannelWrite); ok {
				if merged, ok := prev.merge(cw); ok {
					out[len(out)-1] = merged
					continue
				}
			}
		}
		out = append(out, w)
	}
	return out
}

// runnable returns what a task of the node runs, or nil when the node
// has nothing to do.
func (n *Node) runnable() Runnable {
	writers := n.writersOptimized()
	switch {
	case n.bound == nil && len(writers) == 0:
		return nil
	case n.bound == nil:
		return Pipe(writers...)
	case len(writers) == 0:
		return n.bound
	default:
		return Pipe(append([]Runnable{n.bound}, writers...)...)
	}
}

// clone returns a copy that later builder calls on n do not affect.
func (n *Node) clone() *Node {
	out := *n
	out.channels = slices.Clone(n.channels)
	out.mapping = maps.Clone(n.mapping)
	out.managed = maps.Clone(n.managed)
	out.triggers = slices.Clone(n.triggers)
	out.writers = slices.Clone(n.writers)
	out.tags = slices.Clone(n.tags)
	return &out
}
