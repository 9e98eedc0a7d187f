// Package checkpoint provides the checkpoint record of the superstep
// engine and the savers that persist it.
//
// A Checkpoint is a snapshot of every channel plus the bookkeeping the
// scheduler needs to resume: channel versions, the versions each node has
// already seen, and Send packets not yet delivered. Checkpoints are grouped
// into threads; every Put appends a new checkpoint to its thread and
// records the previous one as its parent.
package checkpoint

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// FormatVersion is the current checkpoint record format.
const FormatVersion = 1

// Send is a packet that invokes Node with Arg on the next step, outside
// the static trigger graph.
type Send struct {
	Node string `json:"node"`
	Arg  any    `json:"arg"`
}

// TaskStatus is the state of a task recorded in a checkpoint.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskSuccess   TaskStatus = "success"
	TaskError     TaskStatus = "error"
)

// TaskInfo describes one task of the step a checkpoint was taken after.
type TaskInfo struct {
	Status TaskStatus `json:"status"`
}

// Checkpoint is a snapshot of an invocation between two steps.
type Checkpoint struct {
	// V is the record format version.
	V int `json:"v"`
	// ID is unique and sorts in creation order.
	ID string    `json:"id"`
	TS time.Time `json:"ts"`
	// ChannelValues maps channel name to the channel's checkpoint state.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions maps channel name to its current version.
	ChannelVersions map[string]Version `json:"channel_versions"`
	// VersionsSeen maps node name to the channel versions it was last
	// scheduled with.
	VersionsSeen map[string]map[string]Version `json:"versions_seen"`
	// PendingSends are packets for the next step.
	PendingSends []Send `json:"pending_sends"`
	// CurrentTasks maps task id to task info.
	CurrentTasks map[string]TaskInfo `json:"current_tasks"`
}

// Source records what produced a checkpoint.
type Source string

const (
	SourceInput  Source = "input"
	SourceLoop   Source = "loop"
	SourceUpdate Source = "update"
)

// Metadata is stored next to each checkpoint.
type Metadata struct {
	Source Source `json:"source"`
	// Step is -1 for the input checkpoint and counts up from 0 in the loop.
	Step int `json:"step"`
	// Writes maps node name to what the node wrote in the step.
	Writes map[string]any `json:"writes,omitempty"`
	// Score marks a checkpoint as a good example when set to 1.
	Score *int `json:"score,omitempty"`
}

// Write is a single value destined for a channel.
type Write struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// PendingWrite is a write saved for a task before its step completed.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Tuple is a checkpoint as returned by a Saver.
type Tuple struct {
	Checkpoint *Checkpoint
	Metadata   Metadata
	// Config addresses this checkpoint (thread_id and thread_ts).
	Config config.Config
	// ParentConfig addresses the previous checkpoint of the thread, if any.
	ParentConfig  *config.Config
	PendingWrites []PendingWrite
}

// NewID returns a new checkpoint id. Ids are UUIDv7 strings and sort in
// creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Empty returns a checkpoint with no channel state.
func Empty() *Checkpoint {
	return &Checkpoint{
		V:               FormatVersion,
		ID:              NewID(),
		TS:              time.Now().UTC(),
		ChannelValues:   map[string]any{},
		ChannelVersions: map[string]Version{},
		VersionsSeen:    map[string]map[string]Version{},
		PendingSends:    []Send{},
		CurrentTasks:    map[string]TaskInfo{},
	}
}

// Copy returns a copy of c whose maps and slices can be mutated without
// affecting c. Channel values themselves are not copied.
func Copy(c *Checkpoint) *Checkpoint {
	seen := make(map[string]map[string]Version, len(c.VersionsSeen))
	for node, versions := range c.VersionsSeen {
		seen[node] = maps.Clone(orEmpty(versions))
	}
	return &Checkpoint{
		V:               c.V,
		ID:              c.ID,
		TS:              c.TS,
		ChannelValues:   maps.Clone(orEmpty(c.ChannelValues)),
		ChannelVersions: maps.Clone(orEmpty(c.ChannelVersions)),
		VersionsSeen:    seen,
		PendingSends:    append([]Send{}, c.PendingSends...),
		CurrentTasks:    maps.Clone(orEmpty(c.CurrentTasks)),
	}
}

// Create returns the checkpoint to persist after a step: a copy of base
// with a fresh id and timestamp, the given channel values and no current
// tasks.
func Create(base *Checkpoint, values map[string]any) *Checkpoint {
	out := Copy(base)
	out.ID = NewID()
	out.TS = time.Now().UTC()
	out.ChannelValues = maps.Clone(orEmpty(values))
	out.CurrentTasks = map[string]TaskInfo{}
	return out
}

// Seen returns the version of channel last seen by node, or nil.
func (c *Checkpoint) Seen(node, channel string) Version {
	return c.VersionsSeen[node][channel]
}

// MarkSeen records that node was scheduled with version of channel.
func (c *Checkpoint) MarkSeen(node, channel string, version Version) {
	if c.VersionsSeen == nil {
		c.VersionsSeen = map[string]map[string]Version{}
	}
	versions, ok := c.VersionsSeen[node]
	if !ok {
		versions = map[string]Version{}
		c.VersionsSeen[node] = versions
	}
	versions[channel] = version
}

// ChannelNames returns the names of channels with a version, sorted.
func (c *Checkpoint) ChannelNames() []string {
	return slices.Sorted(maps.Keys(c.ChannelVersions))
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
