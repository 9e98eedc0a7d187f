package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// Channel is a live channel owned by a single invocation. A Channel is not
// safe for concurrent mutation; concurrent Get calls are fine while no
// Update, Consume or Close is in flight.
type Channel struct {
	spec *Spec
	name string

	// value kinds and Context
	value any
	has   bool

	// Topic
	values []any
	seen   map[string]struct{}

	// barriers
	names     map[any]struct{}
	seenNames map[any]struct{}

	release func() error
}

// TopicState is the persisted state of a Topic.
type TopicState struct {
	Values []any    `json:"values"`
	Seen   []string `json:"seen,omitempty"`
}

// BarrierState is the persisted state of a NamedBarrier or DynamicBarrier.
// Waiting is only meaningful for dynamic barriers.
type BarrierState struct {
	Waiting bool  `json:"waiting,omitempty"`
	Names   []any `json:"names,omitempty"`
	Seen    []any `json:"seen"`
}

// FromCheckpoint opens a live channel from a persisted state. A nil state
// opens an empty channel. The state is copied, never aliased. Context
// channels enter their resource here; callers must Close the channel.
func (s *Spec) FromCheckpoint(ctx context.Context, state any) (*Channel, error) {
	c := &Channel{spec: s}
	switch s.kind {
	case KindLastValue, KindEphemeral, KindAny:
		if state != nil {
			v, err := s.coerce(state)
			if err != nil {
				return nil, fmt.Errorf("restore %s: %w", s.kind, err)
			}
			c.value, c.has = v, true
		}
	case KindBinaryOperator:
		c.value, c.has = s.zero(), true
		if state != nil {
			v, err := s.coerce(state)
			if err != nil {
				return nil, fmt.Errorf("restore %s: %w", s.kind, err)
			}
			c.value = v
		}
	case KindTopic:
		c.seen = make(map[string]struct{})
		if state != nil {
			var ts TopicState
			if err := decodeState(state, &ts); err != nil {
				return nil, fmt.Errorf("restore %s: %w", s.kind, err)
			}
			for _, raw := range ts.Values {
				v, err := s.coerce(raw)
				if err != nil {
					return nil, fmt.Errorf("restore %s: %w", s.kind, err)
				}
				c.values = append(c.values, v)
			}
			for _, k := range ts.Seen {
				c.seen[k] = struct{}{}
			}
		}
	case KindNamedBarrier, KindDynamicBarrier:
		c.seenNames = make(map[any]struct{})
		if s.kind == KindNamedBarrier {
			c.names = make(map[any]struct{}, len(s.names))
			for _, n := range s.names {
				c.names[n] = struct{}{}
			}
		}
		if state != nil {
			var bs BarrierState
			if err := decodeState(state, &bs); err != nil {
				return nil, fmt.Errorf("restore %s: %w", s.kind, err)
			}
			if s.kind == KindDynamicBarrier && bs.Waiting {
				c.names = make(map[any]struct{}, len(bs.Names))
				for _, raw := range bs.Names {
					n, err := s.coerce(raw)
					if err != nil {
						return nil, fmt.Errorf("restore %s: %w", s.kind, err)
					}
					c.names[n] = struct{}{}
				}
			}
			for _, raw := range bs.Seen {
				n, err := s.coerce(raw)
				if err != nil {
					return nil, fmt.Errorf("restore %s: %w", s.kind, err)
				}
				c.seenNames[n] = struct{}{}
			}
		}
	case KindContext:
		v, release, err := s.enter(ctx)
		if err != nil {
			return nil, fmt.Errorf("enter context channel: %w", err)
		}
		c.value, c.has, c.release = v, true, release
	default:
		return nil, fmt.Errorf("unknown channel kind %d", s.kind)
	}
	return c, nil
}

// Spec returns the declaration the channel was opened from.
func (c *Channel) Spec() *Spec { return c.spec }

// Name returns the channel name, or "" for channels opened outside a Manager.
func (c *Channel) Name() string { return c.name }

// Get returns the current value, or ErrEmptyChannel.
func (c *Channel) Get() (any, error) {
	switch c.spec.kind {
	case KindTopic:
		if len(c.values) == 0 {
			return nil, ErrEmptyChannel
		}
		return c.spec.list(c.values), nil
	case KindNamedBarrier, KindDynamicBarrier:
		if !c.barrierComplete() {
			return nil, ErrEmptyChannel
		}
		return nil, nil
	default:
		if !c.has {
			return nil, ErrEmptyChannel
		}
		return c.value, nil
	}
}

// IsEmpty reports whether Get would return ErrEmptyChannel.
func (c *Channel) IsEmpty() bool {
	_, err := c.Get()
	return err != nil
}

// Update applies all values written to the channel in one step and
// reports whether the channel changed. The engine calls Update for every
// channel at the end of every step, with no values for channels nobody
// wrote to.
func (c *Channel) Update(values []any) (bool, error) {
	switch c.spec.kind {
	case KindLastValue:
		if len(values) == 0 {
			return false, nil
		}
		if len(values) != 1 {
			return false, c.invalid(values, "last value channel can receive only one value per step")
		}
		v, err := c.spec.coerce(values[0])
		if err != nil {
			return false, c.invalid(values, "%v", err)
		}
		c.value, c.has = v, true
		return true, nil

	case KindEphemeral:
		if len(values) == 0 {
			if !c.has {
				return false, nil
			}
			c.value, c.has = nil, false
			return true, nil
		}
		if len(values) != 1 && c.spec.guard {
			return false, c.invalid(values, "ephemeral channel can receive only one value per step")
		}
		v, err := c.spec.coerce(values[len(values)-1])
		if err != nil {
			return false, c.invalid(values, "%v", err)
		}
		c.value, c.has = v, true
		return true, nil

	case KindAny:
		if len(values) == 0 {
			if !c.has {
				return false, nil
			}
			c.value, c.has = nil, false
			return true, nil
		}
		v, err := c.spec.coerce(values[len(values)-1])
		if err != nil {
			return false, c.invalid(values, "%v", err)
		}
		c.value, c.has = v, true
		return true, nil

	case KindBinaryOperator:
		if len(values) == 0 {
			return false, nil
		}
		acc := c.value
		for _, raw := range values {
			v, err := c.spec.coerce(raw)
			if err != nil {
				return false, c.invalid(values, "%v", err)
			}
			acc = c.spec.op(acc, v)
		}
		c.value, c.has = acc, true
		return true, nil

	case KindTopic:
		return c.updateTopic(values)

	case KindNamedBarrier:
		return c.updateBarrier(values)

	case KindDynamicBarrier:
		var waits [][]any
		for _, v := range values {
			if names, ok := c.spec.wait(v); ok {
				waits = append(waits, names)
			}
		}
		if len(waits) > 1 {
			return false, c.invalid(values, "received multiple WaitForNames updates in the same step")
		}
		if len(waits) == 1 {
			c.names = make(map[any]struct{}, len(waits[0]))
			for _, n := range waits[0] {
				c.names[n] = struct{}{}
			}
			return true, nil
		}
		if len(values) == 0 {
			return false, nil
		}
		if c.names == nil {
			return false, c.invalid(values, "barrier is not waiting for any names")
		}
		return c.updateBarrier(values)

	case KindContext:
		if len(values) > 0 {
			return false, c.invalid(values, "context channel does not accept writes")
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown channel kind %d", c.spec.kind)
}

func (c *Channel) updateTopic(values []any) (bool, error) {
	var flat []any
	for _, raw := range values {
		if raw != nil {
			rv := reflect.ValueOf(raw)
			if rv.Kind() == reflect.Slice && rv.Type() != c.spec.updateType {
				for i := range rv.Len() {
					flat = append(flat, rv.Index(i).Interface())
				}
				continue
			}
		}
		flat = append(flat, raw)
	}

	previous := slices.Clone(c.values)
	if !c.spec.accumulate {
		c.values = nil
	}
	for _, raw := range flat {
		v, err := c.spec.coerce(raw)
		if err != nil {
			return false, c.invalid(values, "%v", err)
		}
		if c.spec.unique {
			key, err := identity(v)
			if err != nil {
				return false, c.invalid(values, "%v", err)
			}
			if _, dup := c.seen[key]; dup {
				continue
			}
			c.seen[key] = struct{}{}
		}
		c.values = append(c.values, v)
	}
	return !reflect.DeepEqual(previous, c.values) && (len(previous) > 0 || len(c.values) > 0), nil
}

func (c *Channel) updateBarrier(values []any) (bool, error) {
	updated := false
	for _, raw := range values {
		v, err := c.spec.coerce(raw)
		if err != nil {
			return false, c.invalid(values, "%v", err)
		}
		if _, ok := c.names[v]; !ok {
			return false, c.invalid(values, "value %v not in %v", v, c.sortedNames(c.names))
		}
		if _, ok := c.seenNames[v]; !ok {
			c.seenNames[v] = struct{}{}
			updated = true
		}
	}
	return updated, nil
}

func (c *Channel) barrierComplete() bool {
	if c.names == nil || len(c.seenNames) != len(c.names) {
		return false
	}
	for n := range c.names {
		if _, ok := c.seenNames[n]; !ok {
			return false
		}
	}
	return true
}

// Consume marks the current value as read by a triggered node. Barriers
// reset once complete; every other kind is unaffected.
func (c *Channel) Consume() bool {
	switch c.spec.kind {
	case KindNamedBarrier:
		if c.barrierComplete() {
			c.seenNames = make(map[any]struct{})
			return true
		}
	case KindDynamicBarrier:
		if c.barrierComplete() {
			c.seenNames = make(map[any]struct{})
			c.names = nil
			return true
		}
	}
	return false
}

// Checkpoint returns a serializable copy of the channel state, or
// ErrEmptyChannel when there is nothing to persist.
func (c *Channel) Checkpoint() (any, error) {
	switch c.spec.kind {
	case KindContext:
		return nil, ErrEmptyChannel
	case KindTopic:
		if len(c.values) == 0 && len(c.seen) == 0 {
			return nil, ErrEmptyChannel
		}
		seen := make([]string, 0, len(c.seen))
		for k := range c.seen {
			seen = append(seen, k)
		}
		slices.Sort(seen)
		return TopicState{Values: slices.Clone(c.values), Seen: seen}, nil
	case KindNamedBarrier:
		if len(c.seenNames) == 0 {
			return nil, ErrEmptyChannel
		}
		return BarrierState{Seen: c.sortedNames(c.seenNames)}, nil
	case KindDynamicBarrier:
		if c.names == nil && len(c.seenNames) == 0 {
			return nil, ErrEmptyChannel
		}
		return BarrierState{
			Waiting: c.names != nil,
			Names:   c.sortedNames(c.names),
			Seen:    c.sortedNames(c.seenNames),
		}, nil
	default:
		if !c.has {
			return nil, ErrEmptyChannel
		}
		return c.value, nil
	}
}

// Clone copies the channel state into a new channel that does not own the
// original's resources.
func (c *Channel) Clone() *Channel {
	out := &Channel{
		spec:   c.spec,
		name:   c.name,
		value:  c.value,
		has:    c.has,
		values: slices.Clone(c.values),
	}
	if c.seen != nil {
		out.seen = make(map[string]struct{}, len(c.seen))
		for k := range c.seen {
			out.seen[k] = struct{}{}
		}
	}
	if c.names != nil {
		out.names = make(map[any]struct{}, len(c.names))
		for k := range c.names {
			out.names[k] = struct{}{}
		}
	}
	if c.seenNames != nil {
		out.seenNames = make(map[any]struct{}, len(c.seenNames))
		for k := range c.seenNames {
			out.seenNames[k] = struct{}{}
		}
	}
	return out
}

// Close releases any resource held by the channel. It is safe to call
// more than once.
func (c *Channel) Close() error {
	if c.release == nil {
		return nil
	}
	release := c.release
	c.release = nil
	c.value, c.has = nil, false
	return release()
}

func (c *Channel) sortedNames(set map[any]struct{}) []any {
	out := make([]any, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b any) int {
		sa, sb := fmt.Sprint(a), fmt.Sprint(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return out
}

// identity keys a value for Topic deduplication.
func identity(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cannot key %T for deduplication: %w", v, err)
	}
	return string(data), nil
}

// decodeState accepts a state either in its Go form or as the generic
// JSON shape a checkpoint store hands back.
func decodeState[S any](state any, dst *S) error {
	if s, ok := state.(S); ok {
		*dst = s
		return nil
	}
	if s, ok := state.(*S); ok {
		*dst = *s
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
