package flows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

// TestGraph_Chaining tests the fluent builder API.
func TestGraph_Chaining(t *testing.T) {
	g := NewGraph()
	assert.Same(t, g, g.AddChannel("a", channels.LastValue[int]()))
	assert.Same(t, g, g.AddNode("n", Subscribe("a")))
	assert.Same(t, g, g.SetInput("a"))
	assert.Same(t, g, g.SetOutput("a"))
	assert.Same(t, g, g.SetStream("a"))
}

// TestGraph_InvalidNames_Panics tests that bad channel and node names panic.
func TestGraph_InvalidNames_Panics(t *testing.T) {
	testCases := []struct {
		name  string
		build func()
		want  string
	}{
		{"empty channel", func() { NewGraph().AddChannel("", channels.LastValue[int]()) }, "flows: channel name cannot be empty"},
		{"reserved channel", func() { NewGraph().AddChannel(Tasks, channels.LastValue[int]()) }, `flows: channel name "__pregel_tasks__" is reserved`},
		{"whitespace channel", func() { NewGraph().AddChannel("a b", channels.LastValue[int]()) }, "flows: channel name cannot contain whitespace"},
		{"nil spec", func() { NewGraph().AddChannel("a", nil) }, "flows: channel spec cannot be nil"},
		{"empty node", func() { NewGraph().AddNode("", Subscribe("a")) }, "flows: node name cannot be empty"},
		{"reserved node", func() { NewGraph().AddNode(Interrupt, Subscribe("a")) }, `flows: node name "__interrupt__" is reserved`},
		{"whitespace node", func() { NewGraph().AddNode("node\ta", Subscribe("a")) }, "flows: node name cannot contain whitespace"},
		{"nil node", func() { NewGraph().AddNode("n", nil) }, "flows: node cannot be nil"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.PanicsWithValue(t, tc.want, tc.build)
		})
	}
}

// TestGraph_Duplicates_Panics tests that names cannot be declared twice.
func TestGraph_Duplicates_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "flows: duplicate channel: a", func() {
		NewGraph().AddChannel("a", channels.LastValue[int]()).AddChannel("a", channels.LastValue[int]())
	})
	assert.PanicsWithValue(t, "flows: duplicate node: n", func() {
		NewGraph().AddNode("n", Subscribe("a")).AddNode("n", Subscribe("a"))
	})
}

// TestCompile_Errors tests validation failures reported by Compile.
func TestCompile_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		build   func() *Graph
		opts    []CompileOption
		wantErr error
		wantMsg string
	}{
		{
			name:    "no input",
			build:   func() *Graph { return NewGraph().AddChannel("a", channels.LastValue[int]()).SetOutput("a") },
			wantErr: ErrNoInput,
		},
		{
			name:    "no output",
			build:   func() *Graph { return NewGraph().AddChannel("a", channels.LastValue[int]()).SetInput("a") },
			wantErr: ErrNoOutput,
		},
		{
			name: "unknown input channel",
			build: func() *Graph {
				return NewGraph().AddChannel("a", channels.LastValue[int]()).SetInput("missing").SetOutput("a")
			},
			wantErr: ErrUnknownChannel,
			wantMsg: "input channel missing",
		},
		{
			name: "unknown stream channel",
			build: func() *Graph {
				return NewGraph().AddChannel("a", channels.LastValue[int]()).SetInput("a").SetOutput("a").SetStream("missing")
			},
			wantErr: ErrUnknownChannel,
			wantMsg: "stream channel missing",
		},
		{
			name: "node reads unknown channel",
			build: func() *Graph {
				return simpleGraph().AddNode("n", Subscribe("missing").WriteTo("a"))
			},
			wantErr: ErrUnknownChannel,
			wantMsg: "node n reads missing",
		},
		{
			name: "node triggered by unknown channel",
			build: func() *Graph {
				return simpleGraph().AddNode("n", SubscribeTo(map[string]string{"x": "a"}).Triggers("missing"))
			},
			wantErr: ErrUnknownChannel,
			wantMsg: "node n is triggered by missing",
		},
		{
			name: "node writes unknown channel",
			build: func() *Graph {
				return simpleGraph().AddNode("n", Subscribe("a").WriteTo("missing"))
			},
			wantErr: ErrUnknownChannel,
			wantMsg: "node n writes missing",
		},
		{
			name: "static send to unknown node",
			build: func() *Graph {
				return simpleGraph().AddNode("n", Subscribe("a").Do(&ChannelWrite{Sends: []Send{{Node: "ghost"}}}))
			},
			wantErr: ErrUnknownNode,
			wantMsg: "node n sends to ghost",
		},
		{
			name: "node without channels",
			build: func() *Graph {
				return simpleGraph().AddNode("n", Subscribe())
			},
			wantMsg: "node n reads no channels",
		},
		{
			name: "managed value shadows a channel key",
			build: func() *Graph {
				return simpleGraph().AddNode("n", SubscribeTo(map[string]string{"last": "a"}).WithManaged("last", managed.IsLastStep))
			},
			wantMsg: "managed value last shadows a channel key",
		},
		{
			name:    "unknown default interrupt node",
			build:   simpleGraph,
			opts:    []CompileOption{WithDefaults(config.New(map[string]any{config.KeyInterruptBefore: []string{"ghost"}}))},
			wantErr: ErrUnknownNode,
			wantMsg: "interrupt node ghost",
		},
		{
			name:  "invalid defaults",
			build: simpleGraph,
			opts:  []CompileOption{WithDefaults(config.New(map[string]any{config.KeyExecutor: "threads"}))},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.build().Compile(tc.opts...)
			require.Error(t, err)
			assert.Nil(t, p)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
		})
	}
}

// TestCompile_ReportsAllErrors tests that validation does not stop at the
// first problem.
func TestCompile_ReportsAllErrors(t *testing.T) {
	_, err := NewGraph().
		AddChannel("a", channels.LastValue[int]()).
		AddNode("n", Subscribe("missing").WriteTo("gone")).
		Compile()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInput)
	assert.ErrorIs(t, err, ErrNoOutput)
	assert.Contains(t, err.Error(), "node n reads missing")
	assert.Contains(t, err.Error(), "node n writes gone")
}

// TestCompile_Accessors tests what a compiled graph reports about itself.
func TestCompile_Accessors(t *testing.T) {
	saver := checkpoint.NewMemorySaver()
	p := lengthGraph(t, WithCheckpointer(saver))

	assert.Equal(t, []string{"node1", "node2"}, p.Nodes())
	assert.Equal(t, []string{"input"}, p.InputChannels())
	assert.Equal(t, []string{"c2"}, p.OutputChannels())
	assert.Equal(t, []string{"c2"}, p.StreamChannels(), "streams default to the outputs")
	assert.NotNil(t, p.Checkpointer())

	assert.Nil(t, lengthGraph(t).Checkpointer())
}

// TestCompile_IsolatedFromBuilder tests that later builder calls do not
// change a compiled graph.
func TestCompile_IsolatedFromBuilder(t *testing.T) {
	node := Subscribe("a").WriteTo("b")
	g := NewGraph().
		AddChannel("a", channels.LastValue[int]()).
		AddChannel("b", channels.LastValue[int]()).
		AddNode("n", node).
		SetInput("a").
		SetOutput("b")
	p, err := g.Compile()
	require.NoError(t, err)

	node.Tag(Hidden)
	g.AddNode("later", Subscribe("a"))

	assert.Equal(t, []string{"n"}, p.Nodes())
	assert.Empty(t, p.nodes["n"].Tags())
}

func simpleGraph() *Graph {
	return NewGraph().
		AddChannel("a", channels.LastValue[int]()).
		SetInput("a").
		SetOutput("a")
}
