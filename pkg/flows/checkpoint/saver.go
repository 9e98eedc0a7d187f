package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// Saver persists checkpoints. Implementations must be safe for concurrent
// use.
type Saver interface {
	// Get returns the checkpoint addressed by cfg: the one pinned by
	// thread_ts, or the latest of thread_id. It returns nil, nil when
	// there is none.
	Get(ctx context.Context, cfg config.Config) (*Tuple, error)

	// List returns checkpoints matching filter, newest first. A limit of
	// zero or less means no limit.
	List(ctx context.Context, filter Filter, limit int) ([]*Tuple, error)

	// Put stores a checkpoint in the thread of cfg and returns the config
	// addressing it. The thread_ts of cfg, if any, becomes the parent.
	Put(ctx context.Context, cfg config.Config, c *Checkpoint, meta Metadata) (config.Config, error)

	// PutWrites stores the writes of one task against the checkpoint
	// addressed by cfg. Saving the same task again replaces its writes.
	PutWrites(ctx context.Context, cfg config.Config, writes []Write, taskID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// ThreadDeleter is implemented by savers that can drop a whole thread.
type ThreadDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

// Sentinel errors for saver operations.
var (
	// ErrMissingThreadID indicates a Put or PutWrites without thread_id.
	ErrMissingThreadID = errors.New("checkpoint config requires thread_id")

	// ErrMissingThreadTS indicates a PutWrites without thread_ts.
	ErrMissingThreadTS = errors.New("checkpoint writes require thread_ts")

	// ErrSaverClosed indicates the saver has been closed.
	ErrSaverClosed = errors.New("checkpoint saver closed")
)

// Filter selects checkpoints in List.
type Filter struct {
	// ThreadID restricts results to one thread when set.
	ThreadID string
	// Metadata entries must all equal the checkpoint's metadata fields,
	// keyed by their JSON names (source, step, writes, score).
	Metadata map[string]any
}

// Matches reports whether a checkpoint of threadID with meta passes f.
func (f Filter) Matches(threadID string, meta Metadata) bool {
	if f.ThreadID != "" && f.ThreadID != threadID {
		return false
	}
	if len(f.Metadata) == 0 {
		return true
	}
	fields, err := metadataFields(meta)
	if err != nil {
		return false
	}
	for key, want := range f.Metadata {
		got, ok := fields[key]
		if !ok || !sameJSON(got, want) {
			return false
		}
	}
	return true
}

func metadataFields(meta Metadata) (map[string]any, error) {
	data, err := MarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func sameJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var av, bv any
	if json.Unmarshal(ab, &av) != nil || json.Unmarshal(bb, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// ConfigFor returns the config addressing checkpoint id of threadID.
func ConfigFor(threadID, id string) config.Config {
	return config.New(map[string]any{
		config.KeyThreadID: threadID,
		config.KeyThreadTS: id,
	})
}

func parentConfig(threadID, parentID string) *config.Config {
	if parentID == "" {
		return nil
	}
	cfg := ConfigFor(threadID, parentID)
	return &cfg
}

// encodedWrite holds pending write values encoded for storage.
type encodedWrite struct {
	TaskID  string `json:"task_id"`
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Value   []byte `json:"value"`
}

func encodeWrites(taskID string, writes []Write) ([]encodedWrite, error) {
	out := make([]encodedWrite, 0, len(writes))
	for i, w := range writes {
		data, err := MarshalValue(w.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, encodedWrite{TaskID: taskID, Idx: i, Channel: w.Channel, Value: data})
	}
	return out, nil
}

func (w encodedWrite) decode() (PendingWrite, error) {
	v, err := UnmarshalValue(w.Value)
	if err != nil {
		return PendingWrite{}, err
	}
	return PendingWrite{TaskID: w.TaskID, Channel: w.Channel, Value: v}, nil
}
