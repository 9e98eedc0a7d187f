package checkpoint

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/registry"
)

// MemorySaver keeps checkpoints in memory. Records are stored encoded, so
// callers never share state with the saver. It is suitable for tests and
// single-process use.
type MemorySaver struct {
	threads *registry.Registry[string, *memoryThread]
	closed  atomic.Bool
}

type memoryThread struct {
	mu      sync.RWMutex
	records []*memoryRecord // ordered by id
}

type memoryRecord struct {
	id         string
	parentID   string
	checkpoint []byte
	metadata   []byte
	writes     map[string][]encodedWrite // by task id
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: registry.New[string, *memoryThread]()}
}

// Get implements Saver.
func (s *MemorySaver) Get(_ context.Context, cfg config.Config) (*Tuple, error) {
	if s.closed.Load() {
		return nil, ErrSaverClosed
	}
	threadID := cfg.ThreadID()
	t, ok := s.threads.Get(threadID)
	if !ok {
		return nil, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ts := cfg.ThreadTS(); ts != "" {
		if i, found := t.find(ts); found {
			return t.records[i].tuple(threadID)
		}
		return nil, nil
	}
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].checkpoint != nil {
			return t.records[i].tuple(threadID)
		}
	}
	return nil, nil
}

// List implements Saver.
func (s *MemorySaver) List(_ context.Context, filter Filter, limit int) ([]*Tuple, error) {
	if s.closed.Load() {
		return nil, ErrSaverClosed
	}
	type candidate struct {
		threadID string
		record   *memoryRecord
	}
	var candidates []candidate
	s.threads.Range(func(threadID string, t *memoryThread) bool {
		if filter.ThreadID != "" && filter.ThreadID != threadID {
			return true
		}
		t.mu.RLock()
		for _, r := range t.records {
			if r.checkpoint != nil {
				candidates = append(candidates, candidate{threadID, r})
			}
		}
		t.mu.RUnlock()
		return true
	})
	slices.SortFunc(candidates, func(a, b candidate) int {
		return strings.Compare(b.record.id, a.record.id)
	})

	var out []*Tuple
	for _, c := range candidates {
		meta, err := UnmarshalMetadata(c.record.metadata)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(c.threadID, meta) {
			continue
		}
		tuple, err := c.record.tuple(c.threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, tuple)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Put implements Saver.
func (s *MemorySaver) Put(_ context.Context, cfg config.Config, c *Checkpoint, meta Metadata) (config.Config, error) {
	if s.closed.Load() {
		return config.Config{}, ErrSaverClosed
	}
	threadID := cfg.ThreadID()
	if threadID == "" {
		return config.Config{}, ErrMissingThreadID
	}
	ckptData, err := Marshal(c)
	if err != nil {
		return config.Config{}, err
	}
	metaData, err := MarshalMetadata(meta)
	if err != nil {
		return config.Config{}, err
	}

	t := s.threads.GetOrCreate(threadID, func() *memoryThread { return &memoryThread{} })
	t.mu.Lock()
	defer t.mu.Unlock()

	record := &memoryRecord{
		id:         c.ID,
		parentID:   cfg.ThreadTS(),
		checkpoint: ckptData,
		metadata:   metaData,
		writes:     map[string][]encodedWrite{},
	}
	if record.parentID == c.ID {
		record.parentID = ""
	}
	if i, found := t.find(c.ID); found {
		record.writes = t.records[i].writes
		if record.parentID == "" {
			record.parentID = t.records[i].parentID
		}
		t.records[i] = record
	} else {
		t.records = slices.Insert(t.records, i, record)
	}
	return cfg.Merge(ConfigFor(threadID, c.ID)), nil
}

// PutWrites implements Saver.
func (s *MemorySaver) PutWrites(_ context.Context, cfg config.Config, writes []Write, taskID string) error {
	if s.closed.Load() {
		return ErrSaverClosed
	}
	threadID, ts := cfg.ThreadID(), cfg.ThreadTS()
	if threadID == "" {
		return ErrMissingThreadID
	}
	if ts == "" {
		return ErrMissingThreadTS
	}
	encoded, err := encodeWrites(taskID, writes)
	if err != nil {
		return err
	}

	t := s.threads.GetOrCreate(threadID, func() *memoryThread { return &memoryThread{} })
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := t.find(ts)
	if !found {
		record := &memoryRecord{id: ts, writes: map[string][]encodedWrite{}}
		t.records = slices.Insert(t.records, i, record)
	}
	t.records[i].writes[taskID] = encoded
	return nil
}

// DeleteThread implements ThreadDeleter.
func (s *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	if s.closed.Load() {
		return ErrSaverClosed
	}
	s.threads.Delete(threadID)
	return nil
}

// Len returns the number of stored checkpoints across all threads.
func (s *MemorySaver) Len() int {
	n := 0
	s.threads.Range(func(_ string, t *memoryThread) bool {
		t.mu.RLock()
		for _, r := range t.records {
			if r.checkpoint != nil {
				n++
			}
		}
		t.mu.RUnlock()
		return true
	})
	return n
}

// Close implements Saver.
func (s *MemorySaver) Close() error {
	s.closed.Store(true)
	return nil
}

// find returns the index of id, or where it would be inserted.
func (t *memoryThread) find(id string) (int, bool) {
	return slices.BinarySearchFunc(t.records, id, func(r *memoryRecord, id string) int {
		return strings.Compare(r.id, id)
	})
}

func (r *memoryRecord) tuple(threadID string) (*Tuple, error) {
	if r.checkpoint == nil {
		// writes arrived for a checkpoint that was never put
		return nil, nil
	}
	c, err := Unmarshal(r.checkpoint)
	if err != nil {
		return nil, err
	}
	meta, err := UnmarshalMetadata(r.metadata)
	if err != nil {
		return nil, err
	}
	taskIDs := make([]string, 0, len(r.writes))
	for id := range r.writes {
		taskIDs = append(taskIDs, id)
	}
	slices.Sort(taskIDs)
	var pending []PendingWrite
	for _, id := range taskIDs {
		for _, w := range r.writes[id] {
			pw, err := w.decode()
			if err != nil {
				return nil, err
			}
			pending = append(pending, pw)
		}
	}
	return &Tuple{
		Checkpoint:    c,
		Metadata:      meta,
		Config:        ConfigFor(threadID, r.id),
		ParentConfig:  parentConfig(threadID, r.parentID),
		PendingWrites: pending,
	}, nil
}
