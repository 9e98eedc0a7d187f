// Package channels implements the typed cells nodes communicate through.
//
// A Spec is the immutable declaration of a channel, shared by every
// invocation of a graph. Each invocation opens its own live Channel from
// the Spec and the last checkpointed state, and closes it when the
// invocation ends. Channel values must be JSON-encodable so that
// checkpoints survive persistence; values read back from a store are
// re-decoded into the declared type.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Spec declares a channel. Specs are built with the generic constructors
// (LastValue, Topic, ...) and never modified afterwards.
type Spec struct {
	kind       Kind
	valueType  reflect.Type
	updateType reflect.Type

	// coerce converts one update, or one element of persisted state, into
	// the declared element type.
	coerce func(any) (any, error)
	// list builds a typed slice for Topic reads.
	list func([]any) any
	// wait unpacks a WaitForNames update.
	wait func(any) ([]any, bool)

	guard      bool
	op         func(a, b any) any
	zero       func() any
	unique     bool
	accumulate bool
	names      []any
	enter      func(ctx context.Context) (any, func() error, error)
}

// Kind returns the channel variant.
func (s *Spec) Kind() Kind { return s.kind }

// ValueType is the type returned by Get.
func (s *Spec) ValueType() reflect.Type { return s.valueType }

// UpdateType is the type accepted by Update.
func (s *Spec) UpdateType() reflect.Type { return s.updateType }

// String describes the spec.
func (s *Spec) String() string {
	return fmt.Sprintf("%s[%s]", s.kind, s.updateType)
}

// LastValue stores the last value received. It accepts at most one value
// per step.
func LastValue[T any]() *Spec {
	return &Spec{
		kind:       KindLastValue,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
	}
}

// Ephemeral stores a value for the step after it was written and clears it
// on the first step that writes nothing. With guard set, more than one
// value in a step is an invalid update; without it the last value wins.
func Ephemeral[T any](guard bool) *Spec {
	return &Spec{
		kind:       KindEphemeral,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
		guard:      guard,
	}
}

// AnyValue stores the last value received, assuming all values written in
// one step are equal. A step with no writes clears it.
func AnyValue[T any]() *Spec {
	return &Spec{
		kind:       KindAny,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
	}
}

// BinaryOperator folds every update into an accumulator seeded with the
// zero value of T. Updates of one step are folded in the order the engine
// delivers them, which is deterministic but not meaningful; op should be
// commutative.
func BinaryOperator[T any](op func(T, T) T) *Spec {
	return &Spec{
		kind:       KindBinaryOperator,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
		op: func(a, b any) any {
			return op(a.(T), b.(T))
		},
		zero: func() any {
			var zero T
			return zero
		},
	}
}

// Topic is a pub/sub buffer. Updates may be single values or slices of
// values. Unique drops values already seen by this channel. Without
// accumulate the buffer only holds the values written in the last step.
func Topic[T any](unique, accumulate bool) *Spec {
	return &Spec{
		kind:       KindTopic,
		valueType:  reflect.TypeFor[[]T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
		list: func(values []any) any {
			out := make([]T, len(values))
			for i, v := range values {
				out[i] = v.(T)
			}
			return out
		},
		unique:     unique,
		accumulate: accumulate,
	}
}

// NamedBarrier becomes readable, with value nil, once every one of names
// has been written to it. Consuming it resets the seen set.
func NamedBarrier[T comparable](names ...T) *Spec {
	declared := make([]any, 0, len(names))
	for _, n := range names {
		declared = append(declared, n)
	}
	return &Spec{
		kind:       KindNamedBarrier,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
		names:      declared,
	}
}

// WaitForNames primes a DynamicBarrier with the names it must see.
type WaitForNames[T comparable] struct {
	Names []T `json:"names"`
}

// DynamicBarrier is a NamedBarrier whose names arrive as a WaitForNames
// update. Until primed it cannot be read. Consuming it returns it to the
// unprimed state.
func DynamicBarrier[T comparable]() *Spec {
	return &Spec{
		kind:       KindDynamicBarrier,
		valueType:  reflect.TypeFor[T](),
		updateType: reflect.TypeFor[T](),
		coerce:     coerceFunc[T](),
		wait: func(v any) ([]any, bool) {
			var w WaitForNames[T]
			switch u := v.(type) {
			case WaitForNames[T]:
				w = u
			case *WaitForNames[T]:
				w = *u
			case map[string]any:
				// a priming write restored from a checkpoint store
				if _, ok := u["names"]; !ok || len(u) != 1 {
					return nil, false
				}
				if err := decodeState(u, &w); err != nil {
					return nil, false
				}
			default:
				return nil, false
			}
			names := make([]any, 0, len(w.Names))
			for _, n := range w.Names {
				names = append(names, n)
			}
			return names, true
		},
	}
}

// Context exposes a resource for the lifetime of one invocation. enter is
// called when the invocation opens its channels; the returned release
// function runs when they are closed. The channel accepts no writes.
func Context[T any](enter func(ctx context.Context) (T, func() error, error)) *Spec {
	return &Spec{
		kind:      KindContext,
		valueType: reflect.TypeFor[T](),
		enter: func(ctx context.Context) (any, func() error, error) {
			return enter(ctx)
		},
	}
}

// coerceFunc converts values into T. Values that are already a T pass
// through; anything else is re-decoded through JSON, which is how state
// loaded from a checkpoint store regains its declared type.
func coerceFunc[T any]() func(any) (any, error) {
	typ := reflect.TypeFor[T]()
	return func(v any) (any, error) {
		if t, ok := v.(T); ok {
			return t, nil
		}
		var out T
		if v == nil {
			switch typ.Kind() {
			case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
				return out, nil
			}
			return nil, fmt.Errorf("nil is not a %s", typ)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%T is not a %s", v, typ)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%T is not a %s", v, typ)
		}
		return out, nil
	}
}
