package flows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

func collect(t *testing.T, p *Pregel, input any, opts ...RunOption) ([]StreamChunk, error) {
	t.Helper()
	var chunks []StreamChunk
	for chunk, err := range p.Stream(context.Background(), input, opts...) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestStream_Values(t *testing.T) {
	chunks, err := collect(t, lengthGraph(t), "hello")
	require.NoError(t, err)

	require.Len(t, chunks, 1, "only the step writing c2 streams values")
	assert.Equal(t, config.StreamValues, chunks[0].Mode)
	assert.Equal(t, 1, chunks[0].Step)
	assert.Equal(t, 5, chunks[0].Data)
}

func TestStream_ExplicitStreamChannels(t *testing.T) {
	p, err := NewGraph().
		AddChannel("input", channels.LastValue[string]()).
		AddChannel("c1", channels.LastValue[string]()).
		AddChannel("c2", channels.LastValue[int]()).
		AddNode("node1", Subscribe("input").WriteTo("c1")).
		AddNode("node2", Subscribe("c1").Then(length).WriteTo("c2")).
		SetInput("input").
		SetOutput("c2").
		SetStreams("c1", "c2").
		Compile()
	require.NoError(t, err)

	chunks, err := collect(t, p, "hello")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, map[string]any{"c1": "hello"}, chunks[0].Data)
	assert.Equal(t, map[string]any{"c1": "hello", "c2": 5}, chunks[1].Data)
}

func TestStream_Updates(t *testing.T) {
	chunks, err := collect(t, lengthGraph(t), "hello", WithStreamMode(config.StreamUpdates))
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, config.StreamUpdates, chunks[0].Mode)
	assert.Equal(t, map[string]any{"node2": 5}, chunks[0].Data)
}

func TestStream_UpdatesSkipHiddenNodes(t *testing.T) {
	p, err := NewGraph().
		AddChannel("input", channels.LastValue[string]()).
		AddChannel("out", channels.LastValue[string]()).
		AddNode("internal", Subscribe("input").WriteTo("out").Tag(Hidden)).
		SetInput("input").
		SetOutput("out").
		Compile()
	require.NoError(t, err)

	chunks, err := collect(t, p, "x", WithStreamMode(config.StreamUpdates))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestStream_Debug(t *testing.T) {
	chunks, err := collect(t, lengthGraph(t), "hello", WithStreamMode(config.StreamDebug))
	require.NoError(t, err)

	var types []string
	var steps []int
	for _, chunk := range chunks {
		ev, ok := chunk.Data.(*DebugEvent)
		require.True(t, ok, "debug chunks carry *DebugEvent, got %T", chunk.Data)
		types = append(types, ev.Type)
		steps = append(steps, ev.Step)
	}
	assert.Equal(t, []string{
		DebugTask, DebugTaskResult, DebugCheckpoint,
		DebugTask, DebugTaskResult, DebugCheckpoint,
	}, types)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, steps)

	task := chunks[0].Data.(*DebugEvent).Payload.(DebugTaskPayload)
	result := chunks[1].Data.(*DebugEvent).Payload.(DebugTaskResultPayload)
	assert.Equal(t, "node1", task.Name)
	assert.Equal(t, "hello", task.Input)
	assert.Equal(t, []string{"input"}, task.Triggers)
	assert.Equal(t, task.ID, result.ID)
	require.Len(t, result.Result, 1)
	assert.Equal(t, "c1", result.Result[0].Channel)

	last := chunks[5].Data.(*DebugEvent).Payload.(DebugCheckpointPayload)
	assert.Equal(t, 5, last.Values)
	assert.Equal(t, 1, last.Metadata.Step)
}

func TestStream_DebugLogging(t *testing.T) {
	logger, logs := newTestLogger()

	out, err := lengthGraph(t).Invoke(context.Background(), "hello", WithDebug(true), WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, 5, out)
	assert.Contains(t, logs.String(), `"msg":"step tasks"`)
	assert.Contains(t, logs.String(), `"msg":"step writes"`)
	assert.Contains(t, logs.String(), `"msg":"step checkpoint"`)
}

func TestStream_StopEarly(t *testing.T) {
	p := loopGraph(t)

	var chunks []StreamChunk
	for chunk, err := range p.Stream(context.Background(), 0) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		if len(chunks) == 2 {
			break
		}
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Data)
	assert.Equal(t, 2, chunks[1].Data)
}

func TestStream_ErrorIsLast(t *testing.T) {
	chunks, err := collect(t, loopGraph(t), 0, WithRecursionLimit(2))
	assert.ErrorIs(t, err, ErrRecursionLimit)
	assert.Len(t, chunks, 2)
}

func TestStreamChan(t *testing.T) {
	t.Run("delivers chunks then closes", func(t *testing.T) {
		var results []StreamResult
		for res := range lengthGraph(t).StreamChan(context.Background(), "hello", WithStreamMode(config.StreamUpdates)) {
			results = append(results, res)
		}
		require.Len(t, results, 1)
		assert.NoError(t, results[0].Err)
		assert.Equal(t, map[string]any{"node2": 5}, results[0].Chunk.Data)
	})

	t.Run("delivers the error last", func(t *testing.T) {
		var results []StreamResult
		for res := range loopGraph(t).StreamChan(context.Background(), 0, WithRecursionLimit(2)) {
			results = append(results, res)
		}
		require.Len(t, results, 3)
		assert.NoError(t, results[0].Err)
		assert.NoError(t, results[1].Err)
		assert.ErrorIs(t, results[2].Err, ErrRecursionLimit)
	})

	t.Run("stops when the context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ch := loopGraph(t).StreamChan(ctx, 0, WithRecursionLimit(1000))
		<-ch
		cancel()
		for range ch {
		}
	})
}
