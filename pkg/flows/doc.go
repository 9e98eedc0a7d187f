/*
Package flows runs graphs of nodes in supersteps over typed channels.

# Overview

A flow is a set of channels and a set of nodes. Each node subscribes to
channels, runs when one of its trigger channels has been updated since it
last ran, and writes its result back to channels. Execution proceeds in
steps: all triggered nodes of a step run concurrently on the channel
values as of the start of the step, and their writes become visible
together at the end of it. The run ends when no node is triggered.

Between steps the engine takes a checkpoint. With a checkpointer, runs are
grouped into threads that can be inspected, interrupted, edited and
resumed.

# Basic Usage

	p, err := flows.NewGraph().
	    AddChannel("input", channels.LastValue[string]()).
	    AddChannel("length", channels.LastValue[int]()).
	    AddNode("measure", flows.Subscribe("input").
	        Then(func(ctx flows.Context, in any) (any, error) {
	            return len(in.(string)), nil
	        }).
	        WriteTo("length")).
	    SetInput("input").
	    SetOutput("length").
	    Compile()
	if err != nil {
	    log.Fatal(err)
	}

	out, err := p.Invoke(ctx, "hello") // out == 5

# Dynamic Tasks

A node can schedule another node with its own input for the next step by
returning Send packets (with Sends) or by calling Context.Send:

	flows.Subscribe("topics").
	    Then(func(ctx flows.Context, in any) (any, error) {
	        var out []flows.Send
	        for _, topic := range in.([]string) {
	            out = append(out, flows.Send{Node: "research", Arg: topic})
	        }
	        return out, nil
	    }).
	    Sends()

# Checkpoints and Interrupts

	saver := checkpoint.NewMemorySaver()
	p, _ := graph.Compile(flows.WithCheckpointer(saver))

	// stops before "review" runs
	_, err := p.Invoke(ctx, input, flows.WithThreadID("t1"), flows.WithInterruptBefore("review"))

	state, _ := p.GetState(ctx, checkpoint.ConfigFor("t1", ""))
	fmt.Println(state.Next) // [review]

	// a nil input resumes the thread
	out, err := p.Invoke(ctx, nil, flows.WithThreadID("t1"))

A node may also return a *GraphInterrupt to pause the run. Writes of the
tasks that finished in that step are kept and not repeated on resume.

# Streaming

Stream yields one chunk per step: the output channel values
(config.StreamValues), what each node wrote (config.StreamUpdates), or
task and checkpoint events (config.StreamDebug).

# Error Handling

Node errors are wrapped in *NodeError, panics are recovered as
*PanicError, and a run that does not finish within the recursion limit
fails with *RecursionLimitError. A failing task cancels the other tasks of
its step. Nodes configured with Retry are retried on transient errors.
*/
package flows
