package channels

// Kind identifies a channel variant.
type Kind int

const (
	// KindLastValue holds the single value written in the latest step that wrote it.
	KindLastValue Kind = iota
	// KindEphemeral holds a value for one step only.
	KindEphemeral
	// KindAny holds the last of possibly many equal values.
	KindAny
	// KindBinaryOperator folds every update into an accumulator.
	KindBinaryOperator
	// KindTopic buffers values as a list.
	KindTopic
	// KindNamedBarrier is readable once each of a fixed set of names was written.
	KindNamedBarrier
	// KindDynamicBarrier is a NamedBarrier whose names are announced at run time.
	KindDynamicBarrier
	// KindContext exposes a resource scoped to one invocation.
	KindContext
)

var kindNames = map[Kind]string{
	KindLastValue:      "last_value",
	KindEphemeral:      "ephemeral",
	KindAny:            "any_value",
	KindBinaryOperator: "binary_operator",
	KindTopic:          "topic",
	KindNamedBarrier:   "named_barrier",
	KindDynamicBarrier: "dynamic_barrier",
	KindContext:        "context",
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}
