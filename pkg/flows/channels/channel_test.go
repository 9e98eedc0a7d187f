package channels_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
)

func open(t *testing.T, spec *channels.Spec, state any) *channels.Channel {
	t.Helper()
	ch, err := spec.FromCheckpoint(context.Background(), state)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// roundTrip pushes a checkpoint state through JSON the way a store does.
func roundTrip(t *testing.T, state any) any {
	t.Helper()
	data, err := json.Marshal(state)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestFromNilCheckpointIsEmpty(t *testing.T) {
	specs := map[string]*channels.Spec{
		"last_value":      channels.LastValue[string](),
		"ephemeral":       channels.Ephemeral[string](true),
		"any_value":       channels.AnyValue[int](),
		"topic":           channels.Topic[string](false, false),
		"named_barrier":   channels.NamedBarrier("x", "y"),
		"dynamic_barrier": channels.DynamicBarrier[string](),
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			ch := open(t, spec, nil)
			_, err := ch.Get()
			assert.ErrorIs(t, err, channels.ErrEmptyChannel)
			assert.True(t, ch.IsEmpty())
			_, err = ch.Checkpoint()
			assert.ErrorIs(t, err, channels.ErrEmptyChannel)
		})
	}
}

func TestLastValue(t *testing.T) {
	t.Run("single value", func(t *testing.T) {
		ch := open(t, channels.LastValue[string](), nil)
		changed, err := ch.Update([]any{"a"})
		require.NoError(t, err)
		assert.True(t, changed)
		v, err := ch.Get()
		require.NoError(t, err)
		assert.Equal(t, "a", v)
	})

	t.Run("two values in one step", func(t *testing.T) {
		ch := open(t, channels.LastValue[string](), nil)
		_, err := ch.Update([]any{"a", "b"})
		assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
		var iu *channels.InvalidUpdateError
		require.ErrorAs(t, err, &iu)
		assert.Equal(t, []any{"a", "b"}, iu.Values)
	})

	t.Run("empty update keeps value", func(t *testing.T) {
		ch := open(t, channels.LastValue[string](), "kept")
		changed, err := ch.Update(nil)
		require.NoError(t, err)
		assert.False(t, changed)
		v, _ := ch.Get()
		assert.Equal(t, "kept", v)
	})

	t.Run("wrong type", func(t *testing.T) {
		ch := open(t, channels.LastValue[int](), nil)
		_, err := ch.Update([]any{"five"})
		assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
	})

	t.Run("restores from json", func(t *testing.T) {
		ch := open(t, channels.LastValue[int](), roundTrip(t, 5))
		v, err := ch.Get()
		require.NoError(t, err)
		assert.Equal(t, 5, v)
	})
}

func TestEphemeral(t *testing.T) {
	t.Run("clears after a silent step", func(t *testing.T) {
		ch := open(t, channels.Ephemeral[string](true), nil)
		_, err := ch.Update([]any{"a"})
		require.NoError(t, err)
		v, err := ch.Get()
		require.NoError(t, err)
		assert.Equal(t, "a", v)

		changed, err := ch.Update(nil)
		require.NoError(t, err)
		assert.True(t, changed)
		_, err = ch.Get()
		assert.ErrorIs(t, err, channels.ErrEmptyChannel)

		changed, err = ch.Update(nil)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("guard rejects two values", func(t *testing.T) {
		ch := open(t, channels.Ephemeral[string](true), nil)
		_, err := ch.Update([]any{"a", "b"})
		assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
	})

	t.Run("unguarded keeps last", func(t *testing.T) {
		ch := open(t, channels.Ephemeral[string](false), nil)
		_, err := ch.Update([]any{"a", "b"})
		require.NoError(t, err)
		v, _ := ch.Get()
		assert.Equal(t, "b", v)
	})
}

func TestAnyValue(t *testing.T) {
	ch := open(t, channels.AnyValue[int](), nil)
	changed, err := ch.Update([]any{3, 3, 3})
	require.NoError(t, err)
	assert.True(t, changed)
	v, _ := ch.Get()
	assert.Equal(t, 3, v)

	changed, err = ch.Update(nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, ch.IsEmpty())
}

func TestBinaryOperator(t *testing.T) {
	add := func(a, b int) int { return a + b }

	t.Run("seeded with zero", func(t *testing.T) {
		ch := open(t, channels.BinaryOperator(add), nil)
		v, err := ch.Get()
		require.NoError(t, err)
		assert.Equal(t, 0, v)
	})

	t.Run("folds updates", func(t *testing.T) {
		ch := open(t, channels.BinaryOperator(add), nil)
		changed, err := ch.Update([]any{1, 2, 3})
		require.NoError(t, err)
		assert.True(t, changed)
		v, _ := ch.Get()
		assert.Equal(t, 6, v)

		changed, err = ch.Update(nil)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("restores and continues", func(t *testing.T) {
		ch := open(t, channels.BinaryOperator(add), roundTrip(t, 10))
		_, err := ch.Update([]any{5})
		require.NoError(t, err)
		v, _ := ch.Get()
		assert.Equal(t, 15, v)
	})

	t.Run("slice append", func(t *testing.T) {
		ch := open(t, channels.BinaryOperator(func(a, b []string) []string { return append(a, b...) }), nil)
		_, err := ch.Update([]any{[]string{"a"}, []string{"b", "c"}})
		require.NoError(t, err)
		v, _ := ch.Get()
		assert.Equal(t, []string{"a", "b", "c"}, v)
	})
}

func TestTopic(t *testing.T) {
	t.Run("unique dedups", func(t *testing.T) {
		ch := open(t, channels.Topic[string](true, false), nil)
		_, err := ch.Update([]any{"a", "a", "b"})
		require.NoError(t, err)
		v, err := ch.Get()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, v)
	})

	t.Run("resets without accumulate", func(t *testing.T) {
		ch := open(t, channels.Topic[string](false, false), nil)
		_, err := ch.Update([]any{"a"})
		require.NoError(t, err)
		changed, err := ch.Update(nil)
		require.NoError(t, err)
		assert.True(t, changed)
		_, err = ch.Get()
		assert.ErrorIs(t, err, channels.ErrEmptyChannel)
	})

	t.Run("accumulates", func(t *testing.T) {
		ch := open(t, channels.Topic[int](false, true), nil)
		_, err := ch.Update([]any{1})
		require.NoError(t, err)
		changed, err := ch.Update(nil)
		require.NoError(t, err)
		assert.False(t, changed)
		_, err = ch.Update([]any{[]int{2, 3}})
		require.NoError(t, err)
		v, _ := ch.Get()
		assert.Equal(t, []int{1, 2, 3}, v)
	})

	t.Run("round trips through json", func(t *testing.T) {
		ch := open(t, channels.Topic[int](true, true), nil)
		_, err := ch.Update([]any{1, 2})
		require.NoError(t, err)
		state, err := ch.Checkpoint()
		require.NoError(t, err)

		restored := open(t, channels.Topic[int](true, true), roundTrip(t, state))
		_, err = restored.Update([]any{2, 3})
		require.NoError(t, err)
		v, _ := restored.Get()
		assert.Equal(t, []int{1, 2, 3}, v)
	})
}

func TestNamedBarrier(t *testing.T) {
	ch := open(t, channels.NamedBarrier("x", "y"), nil)

	changed, err := ch.Update([]any{"x"})
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = ch.Get()
	assert.ErrorIs(t, err, channels.ErrEmptyChannel)
	assert.False(t, ch.Consume(), "incomplete barrier must not reset")

	_, err = ch.Update([]any{"y"})
	require.NoError(t, err)
	v, err := ch.Get()
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.True(t, ch.Consume())
	assert.True(t, ch.IsEmpty())

	_, err = ch.Update([]any{"z"})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
}

func TestNamedBarrierRestore(t *testing.T) {
	ch := open(t, channels.NamedBarrier("x", "y"), nil)
	_, err := ch.Update([]any{"x"})
	require.NoError(t, err)
	state, err := ch.Checkpoint()
	require.NoError(t, err)

	restored := open(t, channels.NamedBarrier("x", "y"), roundTrip(t, state))
	_, err = restored.Update([]any{"y"})
	require.NoError(t, err)
	assert.False(t, restored.IsEmpty())
}

// TestDynamicBarrier_DecodedPriming verifies that a WaitForNames write in
// the generic JSON shape a store returns still primes the barrier.
func TestDynamicBarrier_DecodedPriming(t *testing.T) {
	ch := open(t, channels.DynamicBarrier[string](), nil)

	primer := roundTrip(t, channels.WaitForNames[string]{Names: []string{"a"}})
	changed, err := ch.Update([]any{primer})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = ch.Update([]any{"a"})
	require.NoError(t, err)
	assert.False(t, ch.IsEmpty())

	_, err = ch.Update([]any{map[string]any{"other": 1}})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
}

func TestDynamicBarrier(t *testing.T) {
	ch := open(t, channels.DynamicBarrier[string](), nil)

	_, err := ch.Update([]any{"a"})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate, "unprimed barrier rejects names")

	changed, err := ch.Update([]any{channels.WaitForNames[string]{Names: []string{"a", "b"}}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, ch.IsEmpty())

	state, err := ch.Checkpoint()
	require.NoError(t, err)
	ch = open(t, channels.DynamicBarrier[string](), roundTrip(t, state))

	_, err = ch.Update([]any{"a", "b"})
	require.NoError(t, err)
	assert.False(t, ch.IsEmpty())
	assert.True(t, ch.Consume())
	assert.True(t, ch.IsEmpty())

	_, err = ch.Update([]any{"a"})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate, "consumed barrier is unprimed again")

	_, err = ch.Update([]any{
		channels.WaitForNames[string]{Names: []string{"a"}},
		channels.WaitForNames[string]{Names: []string{"b"}},
	})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
}

func TestContextChannel(t *testing.T) {
	released := 0
	spec := channels.Context(func(ctx context.Context) (string, func() error, error) {
		return "client", func() error { released++; return nil }, nil
	})

	ch, err := spec.FromCheckpoint(context.Background(), nil)
	require.NoError(t, err)
	v, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, "client", v)

	_, err = ch.Update([]any{"write"})
	assert.ErrorIs(t, err, channels.ErrInvalidUpdate)
	_, err = ch.Checkpoint()
	assert.ErrorIs(t, err, channels.ErrEmptyChannel)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, released)
}

func TestContextChannelEnterError(t *testing.T) {
	spec := channels.Context(func(ctx context.Context) (int, func() error, error) {
		return 0, nil, errors.New("dial failed")
	})
	_, err := spec.FromCheckpoint(context.Background(), nil)
	assert.ErrorContains(t, err, "dial failed")
}

func TestClone(t *testing.T) {
	ch := open(t, channels.Topic[string](true, true), nil)
	_, err := ch.Update([]any{"a"})
	require.NoError(t, err)

	clone := ch.Clone()
	_, err = clone.Update([]any{"b"})
	require.NoError(t, err)

	v, _ := ch.Get()
	assert.Equal(t, []string{"a"}, v)
	v, _ = clone.Get()
	assert.Equal(t, []string{"a", "b"}, v)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "topic", channels.KindTopic.String())
	assert.Equal(t, "unknown", channels.Kind(99).String())
	assert.Equal(t, channels.KindLastValue, channels.LastValue[int]().Kind())
}
