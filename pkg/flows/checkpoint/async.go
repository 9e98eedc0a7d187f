package checkpoint

import (
	"context"
	"sync"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/future"
)

// AsyncSaver runs a Saver's operations in the background.
//
// Put and PutWrites are pipelined per thread: each call starts only after
// the previous one for the same thread has finished, so checkpoints and
// writes reach the store in the order they were submitted even though
// callers do not wait for them. Threads do not wait for each other. Get
// and List run immediately.
//
// AsyncSaver also implements Saver; its synchronous methods submit and
// wait.
type AsyncSaver struct {
	saver Saver

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// Async wraps s. Wrapping an AsyncSaver returns it unchanged.
func Async(s Saver) *AsyncSaver {
	if a, ok := s.(*AsyncSaver); ok {
		return a
	}
	return &AsyncSaver{saver: s, tails: make(map[string]chan struct{})}
}

// Unwrap returns the wrapped saver.
func (a *AsyncSaver) Unwrap() Saver { return a.saver }

// GetAsync implements Saver.Get in the background.
func (a *AsyncSaver) GetAsync(ctx context.Context, cfg config.Config) *future.Future[*Tuple] {
	return future.Go(func() (*Tuple, error) {
		return a.saver.Get(ctx, cfg)
	})
}

// ListAsync implements Saver.List in the background.
func (a *AsyncSaver) ListAsync(ctx context.Context, filter Filter, limit int) *future.Future[[]*Tuple] {
	return future.Go(func() ([]*Tuple, error) {
		return a.saver.List(ctx, filter, limit)
	})
}

// PutAsync queues a Put behind every earlier Put and PutWrites of the
// thread.
func (a *AsyncSaver) PutAsync(ctx context.Context, cfg config.Config, c *Checkpoint, meta Metadata) *future.Future[config.Config] {
	return pipelined(a, ctx, cfg.ThreadID(), func() (config.Config, error) {
		return a.saver.Put(ctx, cfg, c, meta)
	})
}

// PutWritesAsync queues a PutWrites behind every earlier Put and PutWrites
// of the thread.
func (a *AsyncSaver) PutWritesAsync(ctx context.Context, cfg config.Config, writes []Write, taskID string) *future.Future[struct{}] {
	return pipelined(a, ctx, cfg.ThreadID(), func() (struct{}, error) {
		return struct{}{}, a.saver.PutWrites(ctx, cfg, writes, taskID)
	})
}

func pipelined[T any](a *AsyncSaver, ctx context.Context, threadID string, op func() (T, error)) *future.Future[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.tails[threadID]
	done := make(chan struct{})
	a.tails[threadID] = done

	return future.Go(func() (T, error) {
		defer a.finish(threadID, done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				// keep the order for later calls even when giving up
				<-prev
				var zero T
				return zero, ctx.Err()
			}
		}
		return op()
	})
}

// finish releases the calls queued behind done and forgets the thread
// once nothing else is queued for it.
func (a *AsyncSaver) finish(threadID string, done chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	close(done)
	if a.tails[threadID] == done {
		delete(a.tails, threadID)
	}
}

// Flush waits until every queued Put and PutWrites has finished.
func (a *AsyncSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	tails := make([]chan struct{}, 0, len(a.tails))
	for _, tail := range a.tails {
		tails = append(tails, tail)
	}
	a.mu.Unlock()
	for _, tail := range tails {
		select {
		case <-tail:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Get implements Saver.
func (a *AsyncSaver) Get(ctx context.Context, cfg config.Config) (*Tuple, error) {
	return a.GetAsync(ctx, cfg).Wait(ctx)
}

// List implements Saver.
func (a *AsyncSaver) List(ctx context.Context, filter Filter, limit int) ([]*Tuple, error) {
	return a.ListAsync(ctx, filter, limit).Wait(ctx)
}

// Put implements Saver.
func (a *AsyncSaver) Put(ctx context.Context, cfg config.Config, c *Checkpoint, meta Metadata) (config.Config, error) {
	return a.PutAsync(ctx, cfg, c, meta).Wait(ctx)
}

// PutWrites implements Saver.
func (a *AsyncSaver) PutWrites(ctx context.Context, cfg config.Config, writes []Write, taskID string) error {
	_, err := a.PutWritesAsync(ctx, cfg, writes, taskID).Wait(ctx)
	return err
}

// DeleteThread implements ThreadDeleter when the wrapped saver does.
func (a *AsyncSaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := a.Flush(ctx); err != nil {
		return err
	}
	if d, ok := a.saver.(ThreadDeleter); ok {
		return d.DeleteThread(ctx, threadID)
	}
	return nil
}

// Close waits for queued writes and closes the wrapped saver.
func (a *AsyncSaver) Close() error {
	_ = a.Flush(context.Background())
	return a.saver.Close()
}
