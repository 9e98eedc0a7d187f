package flows

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
	"github.com/randalmurphal/flowstack/pkg/flows/managed"
)

// Graph is a mutable builder for a Pregel graph. Declare channels and
// nodes, pick the input and output channels, then call Compile to get an
// immutable, executable *Pregel.
//
// Graph is NOT meant for concurrent building; use one goroutine.
//
// Example:
//
//	p, err := flows.NewGraph().
//	    AddChannel("question", channels.LastValue[string]()).
//	    AddChannel("answer", channels.LastValue[string]()).
//	    AddNode("agent", flows.Subscribe("question").Do(agent).WriteTo("answer")).
//	    SetInput("question").
//	    SetOutput("answer").
//	    Compile()
type Graph struct {
	mu       sync.Mutex
	channels map[string]*channels.Spec
	nodes    map[string]*Node
	order    []string

	inputs, outputs, streams             []string
	singleInput, singleOutput, streamSet bool
	singleStream                         bool
}

// NewGraph creates an empty graph builder.
func NewGraph() *Graph {
	return &Graph{
		channels: make(map[string]*channels.Spec),
		nodes:    make(map[string]*Node),
	}
}

// AddChannel declares a channel.
//
// Panics if name is empty, reserved, contains whitespace or is already
// declared, or if spec is nil.
func (g *Graph) AddChannel(name string, spec *channels.Spec) *Graph {
	validateName("channel", name)
	if spec == nil {
		panic("flows: channel spec cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.channels[name]; exists {
		panic(fmt.Sprintf("flows: duplicate channel: %s", name))
	}
	g.channels[name] = spec
	return g
}

// AddNode declares a node. Nodes are scheduled in the order they are
// added.
//
// Panics if name is empty, reserved, contains whitespace or is already
// declared, or if node is nil.
func (g *Graph) AddNode(name string, node *Node) *Graph {
	validateName("node", name)
	if node == nil {
		panic("flows: node cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[name]; exists {
		panic(fmt.Sprintf("flows: duplicate node: %s", name))
	}
	g.nodes[name] = node
	g.order = append(g.order, name)
	return g
}

func validateName(kind, name string) {
	if name == "" {
		panic(fmt.Sprintf("flows: %s name cannot be empty", kind))
	}
	if isReserved(name) {
		panic(fmt.Sprintf("flows: %s name %q is reserved", kind, name))
	}
	if strings.ContainsAny(name, " \t\n\r") {
		panic(fmt.Sprintf("flows: %s name cannot contain whitespace", kind))
	}
}

// SetInput makes channel the single input channel: the whole invocation
// input is written to it.
func (g *Graph) SetInput(channel string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs, g.singleInput = []string{channel}, true
	return g
}

// SetInputs declares several input channels. The invocation input must
// then be a map[string]any keyed by channel name.
func (g *Graph) SetInputs(channels ...string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs, g.singleInput = slices.Clone(channels), false
	return g
}

// SetOutput makes channel the single output channel: results are that
// channel's value.
func (g *Graph) SetOutput(channel string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs, g.singleOutput = []string{channel}, true
	return g
}

// SetOutputs declares several output channels. Results are maps of
// channel name to value.
func (g *Graph) SetOutputs(channels ...string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs, g.singleOutput = slices.Clone(channels), false
	return g
}

// SetStream makes channel the single channel streamed in values mode.
// By default the output channels are streamed.
func (g *Graph) SetStream(channel string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams, g.singleStream, g.streamSet = []string{channel}, true, true
	return g
}

// SetStreams declares several channels streamed in values mode.
func (g *Graph) SetStreams(channels ...string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams, g.singleStream, g.streamSet = slices.Clone(channels), false, true
	return g
}

// Compile validates the graph and creates an executable Pregel.
// Returns an error if validation fails. Multiple errors are joined
// together.
//
// Validation checks:
//  1. Input and output channels are set and declared
//  2. Every channel a node reads or is triggered by is declared
//  3. Every static write targets a declared channel
//  4. Every static Send targets a declared node
//  5. Default interrupt nodes are declared
func (g *Graph) Compile(opts ...CompileOption) (*Pregel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := defaultCompileConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var errs []error
	if cfg.err != nil {
		errs = append(errs, cfg.err)
	}
	if len(g.inputs) == 0 {
		errs = append(errs, ErrNoInput)
	}
	if len(g.outputs) == 0 {
		errs = append(errs, ErrNoOutput)
	}
	streams, singleStream := g.outputs, g.singleOutput
	if g.streamSet {
		streams, singleStream = g.streams, g.singleStream
	}
	for _, group := range []struct {
		what  string
		names []string
	}{{"input", g.inputs}, {"output", g.outputs}, {"stream", streams}} {
		for _, name := range group.names {
			if _, ok := g.channels[name]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s channel %s", ErrUnknownChannel, group.what, name))
			}
		}
	}

	managedSpecs := map[string]managed.Spec{}
	for _, name := range g.order {
		node := g.nodes[name]
		errs = append(errs, g.validateNode(name, node)...)
		for key, spec := range node.managed {
			managedSpecs[managedKey(name, key)] = spec
		}
	}

	rc, err := config.ParseRunConfig(cfg.defaults)
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range append(slices.Clone(rc.InterruptBefore), rc.InterruptAfter...) {
		if _, ok := g.nodes[name]; !ok && name != config.All {
			errs = append(errs, fmt.Errorf("%w: interrupt node %s", ErrUnknownNode, name))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	nodes := make(map[string]*Node, len(g.nodes))
	for name, node := range g.nodes {
		nodes[name] = node.clone()
	}
	var saver *checkpoint.AsyncSaver
	if cfg.checkpointer != nil {
		saver = checkpoint.Async(cfg.checkpointer)
	}
	return &Pregel{
		channels:     maps.Clone(g.channels),
		nodes:        nodes,
		order:        slices.Clone(g.order),
		inputs:       slices.Clone(g.inputs),
		outputs:      slices.Clone(g.outputs),
		streams:      slices.Clone(streams),
		singleInput:  g.singleInput,
		singleOutput: g.singleOutput,
		singleStream: singleStream,
		managed:      managedSpecs,
		saver:        saver,
		versions:     cfg.versions,
		defaults:     cfg.defaults,
		logger:       cfg.logger,
	}, nil
}

func (g *Graph) validateNode(name string, node *Node) []error {
	var errs []error
	unknown := func(what, ch string) {
		if _, ok := g.channels[ch]; !ok {
			errs = append(errs, fmt.Errorf("%w: node %s %s %s", ErrUnknownChannel, name, what, ch))
		}
	}
	if len(node.channels) == 0 && len(node.mapping) == 0 {
		errs = append(errs, fmt.Errorf("node %s reads no channels", name))
	}
	for _, ch := range node.Channels() {
		unknown("reads", ch)
	}
	for _, ch := range node.triggers {
		unknown("is triggered by", ch)
	}
	for key := range node.managed {
		if _, clash := node.mapping[key]; clash {
			errs = append(errs, fmt.Errorf("node %s: managed value %s shadows a channel key", name, key))
		}
	}
	for _, w := range node.writers {
		cw, ok := w.(*ChannelWrite)
		if !ok {
			continue
		}
		for _, entry := range cw.Entries {
			if entry.Channel != Tasks {
				unknown("writes", entry.Channel)
			}
		}
		for _, send := range cw.Sends {
			if _, ok := g.nodes[send.Node]; !ok {
				errs = append(errs, fmt.Errorf("%w: node %s sends to %s", ErrUnknownNode, name, send.Node))
			}
		}
	}
	return errs
}

func managedKey(node, key string) string {
	return node + "." + key
}
