package flows

import (
	"iter"

	"github.com/randalmurphal/flowstack/pkg/flows/future"
)

// Runnable is the unit of work bound to a node.
//
// Invoke receives the task's resolved input and returns one of:
//   - a value;
//   - a *future.Future[any], awaited for its value;
//   - an iter.Seq[any] or iter.Seq2[any, error], whose last value wins;
//   - a <-chan any, drained until closed, whose last value wins.
//
// Run options and the task's identity are available through ctx.
type Runnable interface {
	Invoke(ctx Context, input any) (any, error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx Context, input any) (any, error)

// Invoke calls f.
func (f RunnableFunc) Invoke(ctx Context, input any) (any, error) {
	return f(ctx, input)
}

// SeqFunc produces a sequence of values. The last value is the result.
type SeqFunc func(ctx Context, input any) iter.Seq2[any, error]

// Invoke consumes the sequence.
func (f SeqFunc) Invoke(ctx Context, input any) (any, error) {
	return lastOf(ctx, f(ctx, input))
}

// ChanFunc produces values on a channel. The last value received before
// the channel is closed is the result.
type ChanFunc func(ctx Context, input any) (<-chan any, error)

// Invoke drains the channel.
func (f ChanFunc) Invoke(ctx Context, input any) (any, error) {
	ch, err := f(ctx, input)
	if err != nil {
		return nil, err
	}
	return drain(ctx, ch)
}

// FutureFunc starts asynchronous work and returns its future.
type FutureFunc func(ctx Context, input any) *future.Future[any]

// Invoke waits for the future.
func (f FutureFunc) Invoke(ctx Context, input any) (any, error) {
	return f(ctx, input).Wait(ctx)
}

// Sequence runs its runnables in order, feeding each one's output to the
// next.
type Sequence []Runnable

// Invoke runs the sequence.
func (s Sequence) Invoke(ctx Context, input any) (any, error) {
	value := input
	for _, r := range s {
		out, err := r.Invoke(ctx, value)
		if err != nil {
			return nil, err
		}
		if value, err = resolve(ctx, out); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// Pipe joins runnables into one Sequence, flattening nested sequences.
func Pipe(rs ...Runnable) Runnable {
	var out Sequence
	for _, r := range rs {
		if seq, ok := r.(Sequence); ok {
			out = append(out, seq...)
			continue
		}
		out = append(out, r)
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Passthrough returns its input unchanged.
var Passthrough Runnable = passthrough{}

type passthrough struct{}

func (passthrough) Invoke(_ Context, input any) (any, error) { return input, nil }

// resolve turns an awaitable or iterable node output into its value.
func resolve(ctx Context, out any) (any, error) {
	switch v := out.(type) {
	case *future.Future[any]:
		return v.Wait(ctx)
	case iter.Seq2[any, error]:
		return lastOf(ctx, v)
	case iter.Seq[any]:
		var last any
		for item := range v {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			last = item
		}
		return last, nil
	case <-chan any:
		return drain(ctx, v)
	default:
		return out, nil
	}
}

func lastOf(ctx Context, seq iter.Seq2[any, error]) (any, error) {
	var last any
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last = item
	}
	return last, nil
}

func drain(ctx Context, ch <-chan any) (any, error) {
	var last any
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return last, nil
			}
			last = item
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
