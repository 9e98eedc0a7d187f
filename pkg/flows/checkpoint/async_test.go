package checkpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// slowSaver records the order operations reach the store.
type slowSaver struct {
	*checkpoint.MemorySaver
	mu    sync.Mutex
	order []string
}

func (s *slowSaver) Put(ctx context.Context, cfg config.Config, c *checkpoint.Checkpoint, meta checkpoint.Metadata) (config.Config, error) {
	// earlier steps take longer, so only pipelining keeps them in order
	time.Sleep(time.Duration(10-meta.Step) * time.Millisecond)
	s.mu.Lock()
	s.order = append(s.order, "put")
	s.mu.Unlock()
	return s.MemorySaver.Put(ctx, cfg, c, meta)
}

func (s *slowSaver) PutWrites(ctx context.Context, cfg config.Config, writes []checkpoint.Write, taskID string) error {
	s.mu.Lock()
	s.order = append(s.order, "writes:"+taskID)
	s.mu.Unlock()
	return s.MemorySaver.PutWrites(ctx, cfg, writes, taskID)
}

func TestAsyncSaver_Pipelines(t *testing.T) {
	inner := &slowSaver{MemorySaver: checkpoint.NewMemorySaver()}
	saver := checkpoint.Async(inner)
	ctx := context.Background()

	cfg := threadCfg("t1")
	var ids []string
	for step := range 5 {
		c := checkpoint.Empty()
		ids = append(ids, c.ID)
		saver.PutAsync(ctx, cfg.With(config.KeyThreadTS, c.ID), c, checkpoint.Metadata{Step: step})
		saver.PutWritesAsync(ctx, cfg.With(config.KeyThreadTS, c.ID), nil, "task")
	}
	require.NoError(t, saver.Flush(ctx))

	assert.Equal(t, []string{
		"put", "writes:task",
		"put", "writes:task",
		"put", "writes:task",
		"put", "writes:task",
		"put", "writes:task",
	}, inner.order)

	tuple, err := saver.Get(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1], tuple.Checkpoint.ID)
}

func TestAsyncSaver_WrapIsIdempotent(t *testing.T) {
	a := checkpoint.Async(checkpoint.NewMemorySaver())
	assert.Same(t, a, checkpoint.Async(a))
	assert.IsType(t, &checkpoint.MemorySaver{}, a.Unwrap())
}

func TestAsyncSaver_FutureResult(t *testing.T) {
	saver := checkpoint.Async(checkpoint.NewMemorySaver())
	ctx := context.Background()
	c := checkpoint.Empty()

	cfg, err := saver.PutAsync(ctx, threadCfg("t1"), c, checkpoint.Metadata{}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, cfg.ThreadTS())

	tuples, err := saver.ListAsync(ctx, checkpoint.Filter{ThreadID: "t1"}, 0).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, tuples, 1)

	_, err = saver.PutAsync(ctx, config.New(nil), c, checkpoint.Metadata{}).Wait(ctx)
	assert.ErrorIs(t, err, checkpoint.ErrMissingThreadID)
}

// gatedSaver blocks Puts of one thread until released.
type gatedSaver struct {
	*checkpoint.MemorySaver
	thread  string
	release chan struct{}
}

func (s *gatedSaver) Put(ctx context.Context, cfg config.Config, c *checkpoint.Checkpoint, meta checkpoint.Metadata) (config.Config, error) {
	if cfg.ThreadID() == s.thread {
		<-s.release
	}
	return s.MemorySaver.Put(ctx, cfg, c, meta)
}

func TestAsyncSaver_ThreadsDoNotWaitForEachOther(t *testing.T) {
	inner := &gatedSaver{MemorySaver: checkpoint.NewMemorySaver(), thread: "slow", release: make(chan struct{})}
	saver := checkpoint.Async(inner)
	ctx := context.Background()

	slow := saver.PutAsync(ctx, threadCfg("slow"), checkpoint.Empty(), checkpoint.Metadata{})
	fast := saver.PutAsync(ctx, threadCfg("fast"), checkpoint.Empty(), checkpoint.Metadata{})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := fast.Wait(waitCtx)
	require.NoError(t, err, "a blocked thread must not hold up another")

	select {
	case <-slow.Done():
		t.Fatal("gated put finished before release")
	default:
	}
	close(inner.release)
	_, err = slow.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, saver.Flush(ctx))
}
