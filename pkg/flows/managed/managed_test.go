package managed_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

type constSpec struct {
	value  any
	err    error
	closed *atomic.Int32
}

func (s constSpec) Enter(context.Context, managed.Scope) (managed.Value, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &constValue{value: s.value, closed: s.closed}, nil
}

type constValue struct {
	value  any
	closed *atomic.Int32
}

func (v *constValue) Get(int, managed.TaskDescription) (any, error) { return v.value, nil }

func (v *constValue) Close() error {
	if v.closed != nil {
		v.closed.Add(1)
	}
	return nil
}

func TestIsLastStep(t *testing.T) {
	v, err := managed.IsLastStep.Enter(context.Background(), managed.Scope{Stop: 5})
	require.NoError(t, err)

	for step, want := range map[int]bool{0: false, 3: false, 4: true, 5: false} {
		got, err := v.Get(step, managed.TaskDescription{Name: "agent"})
		require.NoError(t, err)
		assert.Equal(t, want, got, "step %d", step)
	}
}

func TestManager_Open(t *testing.T) {
	var closed atomic.Int32
	mgr, err := managed.Open(context.Background(), map[string]managed.Spec{
		"a":    constSpec{value: 1, closed: &closed},
		"b":    constSpec{value: "two", closed: &closed},
		"last": managed.IsLastStep,
	}, managed.Scope{Stop: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "last"}, mgr.Names())
	v, ok := mgr.Get("b")
	require.True(t, ok)
	got, err := v.Get(0, managed.TaskDescription{})
	require.NoError(t, err)
	assert.Equal(t, "two", got)

	require.NoError(t, mgr.Close())
	assert.Equal(t, int32(2), closed.Load())
}

func TestManager_OpenFailureClosesEntered(t *testing.T) {
	var closed atomic.Int32
	_, err := managed.Open(context.Background(), map[string]managed.Spec{
		"ok":  constSpec{value: 1, closed: &closed},
		"bad": constSpec{err: errors.New("boom")},
	}, managed.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enter managed value bad")
	assert.Equal(t, int32(1), closed.Load())
}

func TestFewShotExamples(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemorySaver()
	specs := map[string]*channels.Spec{
		"question": channels.LastValue[string](),
		"answer":   channels.LastValue[string](),
	}

	save := func(threadID string, score *int, answer string, kind string) {
		c := checkpoint.Empty()
		c.ChannelValues["question"] = "q-" + answer
		c.ChannelValues["answer"] = answer
		meta := checkpoint.Metadata{Source: checkpoint.SourceLoop, Score: score, Writes: map[string]any{"kind": kind}}
		_, err := saver.Put(ctx, config.New(map[string]any{config.KeyThreadID: threadID}), c, meta)
		require.NoError(t, err)
	}
	good, bad := 1, 0
	save("t1", &good, "a1", "math")
	save("t2", &bad, "a2", "math")
	save("t3", &good, "a3", "poetry")
	save("t4", nil, "a4", "math")

	t.Run("single output", func(t *testing.T) {
		spec := managed.FewShotExamples()
		v, err := spec.Enter(ctx, managed.Scope{
			Checkpointer:   saver,
			Channels:       specs,
			OutputChannels: []string{"answer"},
			SingleOutput:   true,
		})
		require.NoError(t, err)
		got, err := v.Get(0, managed.TaskDescription{Name: "agent"})
		require.NoError(t, err)
		assert.Equal(t, []any{"a3", "a1"}, got)
	})

	t.Run("limit and filter", func(t *testing.T) {
		spec := managed.FewShotExamples(
			managed.WithExampleLimit(1),
			managed.WithMetadataFilter(map[string]any{"writes": map[string]any{"kind": "math"}}),
		)
		v, err := spec.Enter(ctx, managed.Scope{
			Checkpointer:   saver,
			Channels:       specs,
			OutputChannels: []string{"question", "answer"},
		})
		require.NoError(t, err)
		got, err := v.Get(0, managed.TaskDescription{})
		require.NoError(t, err)
		assert.Equal(t, []any{map[string]any{"question": "q-a1", "answer": "a1"}}, got)
	})

	t.Run("without checkpointer", func(t *testing.T) {
		v, err := managed.FewShotExamples().Enter(ctx, managed.Scope{})
		require.NoError(t, err)
		got, err := v.Get(0, managed.TaskDescription{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
