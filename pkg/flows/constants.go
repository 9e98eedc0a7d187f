package flows

// Reserved names.
const (
	// Input is the name of the pseudo-task that writes the invocation input.
	Input = "__input__"
	// Start names the entry of a graph in drawings and metadata.
	Start = "__start__"
	// End names the exit of a graph in drawings and metadata.
	End = "__end__"
	// Interrupt is the pseudo-node whose seen versions track the last interrupt.
	Interrupt = "__interrupt__"
	// Tasks is the channel Send packets are written to.
	Tasks = "__pregel_tasks__"
)

// Hidden tags a node whose tasks are left out of interrupts, updates and
// debug output.
const Hidden = "core:hidden"

// reserved names cannot be used for nodes or channels.
var reserved = map[string]struct{}{
	Input:     {},
	Start:     {},
	End:       {},
	Interrupt: {},
	Tasks:     {},
}

func isReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}
