package flows

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoInput indicates Compile was called without input channels.
	ErrNoInput = errors.New("graph has no input channels")

	// ErrNoOutput indicates Compile was called without output channels.
	ErrNoOutput = errors.New("graph has no output channels")

	// ErrUnknownChannel indicates a reference to an undeclared channel.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrUnknownNode indicates a reference to an undeclared node.
	ErrUnknownNode = errors.New("unknown node")
)

// Sentinel errors for execution.
var (
	// ErrEmptyInput indicates an invocation without input and without a
	// checkpoint to resume from.
	ErrEmptyInput = errors.New("received no input")

	// ErrInvalidInput indicates input that cannot be mapped to the input channels.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGraphInterrupt matches every *GraphInterrupt.
	ErrGraphInterrupt = errors.New("graph interrupted")

	// ErrRecursionLimit matches every *RecursionLimitError.
	ErrRecursionLimit = errors.New("recursion limit reached")

	// ErrNoCheckpointer indicates a state operation on a graph without a saver.
	ErrNoCheckpointer = errors.New("graph has no checkpointer")

	// ErrNotInTask indicates a channel read or write outside a running task.
	ErrNotInTask = errors.New("not called from a running task")

	// ErrAmbiguousUpdate indicates UpdateState could not pick the node to write as.
	ErrAmbiguousUpdate = errors.New("ambiguous update, specify the node to write as")
)

// GraphInterrupt pauses a run from inside a node. Returning it is not a
// failure: the run stops cleanly, the writes of sibling tasks are kept and
// a later invocation without input resumes at the same step.
type GraphInterrupt struct {
	// Node is the node that interrupted.
	Node string
	// Value is optional data for whoever resumes the run.
	Value any
}

func (e *GraphInterrupt) Error() string {
	if e.Node == "" {
		return ErrGraphInterrupt.Error()
	}
	return fmt.Sprintf("graph interrupted by node %s", e.Node)
}

// Is makes errors.Is(err, ErrGraphInterrupt) true.
func (e *GraphInterrupt) Is(target error) bool {
	return target == ErrGraphInterrupt
}

// NewInterrupt returns a GraphInterrupt carrying value. The engine fills
// in Node.
func NewInterrupt(value any) *GraphInterrupt {
	return &GraphInterrupt{Value: value}
}

// RecursionLimitError reports a run cut off before it finished.
type RecursionLimitError struct {
	// Limit is the configured recursion limit.
	Limit int
	// Step is the step that would have run next.
	Step int
	// Next are the nodes that would have run.
	Next []string
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit of %d reached at step %d without hitting a stop condition", e.Limit, e.Step)
}

// Unwrap returns ErrRecursionLimit for errors.Is support.
func (e *RecursionLimitError) Unwrap() error {
	return ErrRecursionLimit
}

// NodeError wraps an error returned by a node.
type NodeError struct {
	// Node is the node that failed.
	Node string
	// TaskID is the id of the failed task.
	TaskID string
	// Op is the operation that failed ("execute", "write", "read").
	Op string
	// Attempts is how many times the task ran.
	Attempts int
	// Err is the underlying error.
	Err error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic recovered from a node.
type PanicError struct {
	// Node is the node that panicked.
	Node string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.Node, e.Value)
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// Op is the operation that failed ("get", "put", "put_writes", "list").
	Op string
	// ThreadID is the thread being persisted.
	ThreadID string
	// Err is the underlying error.
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s for thread %q: %v", e.Op, e.ThreadID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}
