// Package managed provides values computed per step and handed to nodes
// alongside channel reads.
//
// A node subscribes to a managed value by naming a Spec in its input
// mapping. The engine enters every Spec once per invocation and asks the
// resulting Value for a fresh result each time it prepares a task.
package managed

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// TaskDescription identifies the task a value is computed for.
type TaskDescription struct {
	Name  string
	Input any
}

// Value produces the managed value for one task.
// Values that implement io.Closer are closed when the invocation ends.
type Value interface {
	Get(step int, task TaskDescription) (any, error)
}

// Spec declares a managed value.
type Spec interface {
	Enter(ctx context.Context, scope Scope) (Value, error)
}

// Scope is what a Spec may use while entering.
type Scope struct {
	Checkpointer checkpoint.Saver
	// Channels are the graph's channel declarations.
	Channels map[string]*channels.Spec
	// OutputChannels are the graph's output channels. With SingleOutput
	// the graph returns the value of OutputChannels[0] directly.
	OutputChannels []string
	SingleOutput   bool
	// Stop is the step at which the invocation runs out of steps.
	Stop   int
	Config config.Config
}

// Manager holds the entered values of one invocation.
type Manager struct {
	values map[string]Value
}

// Open enters every spec concurrently. If any fails, the values entered
// so far are closed.
func Open(ctx context.Context, specs map[string]Spec, scope Scope) (*Manager, error) {
	m := &Manager{values: make(map[string]Value, len(specs))}
	if len(specs) == 0 {
		return m, nil
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result *multierror.Error
	)
	for name, spec := range specs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := spec.Enter(ctx, scope)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("enter managed value %s: %w", name, err))
				return
			}
			m.values[name] = v
		}()
	}
	wg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		if cerr := m.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return nil, err
	}
	return m, nil
}

// Get returns the entered value with the given name.
func (m *Manager) Get(name string) (Value, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Names returns the managed value names, sorted.
func (m *Manager) Names() []string {
	return slices.Sorted(maps.Keys(m.values))
}

// Close closes every value that implements io.Closer.
func (m *Manager) Close() error {
	var result *multierror.Error
	for _, name := range m.Names() {
		if c, ok := m.values[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close managed value %s: %w", name, err))
			}
		}
	}
	return result.ErrorOrNil()
}
