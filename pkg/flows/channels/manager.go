package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
)

// Manager owns the live channels of one invocation.
//
// Open every channel with Open and release them with Close, typically
// deferred right after a successful Open:
//
//	mgr, err := channels.Open(ctx, specs, ckpt.ChannelValues)
//	if err != nil {
//		return err
//	}
//	defer mgr.Close()
type Manager struct {
	channels map[string]*Channel
	names    []string
}

// Open creates one live channel per spec from the matching entry in
// values. If any channel fails to open, the ones already opened are
// closed before returning.
func Open(ctx context.Context, specs map[string]*Spec, values map[string]any) (*Manager, error) {
	m := &Manager{channels: make(map[string]*Channel, len(specs))}
	for name := range specs {
		m.names = append(m.names, name)
	}
	slices.Sort(m.names)

	for _, name := range m.names {
		ch, err := specs[name].FromCheckpoint(ctx, values[name])
		if err != nil {
			err = fmt.Errorf("open channel %s: %w", name, err)
			if cerr := m.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, err
		}
		ch.name = name
		m.channels[name] = ch
	}
	return m, nil
}

// Get returns the live channel with the given name.
func (m *Manager) Get(name string) (*Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the channel names in sorted order.
func (m *Manager) Names() []string {
	return slices.Clone(m.names)
}

// Channels returns the live channel table. The map must not be modified.
func (m *Manager) Channels() map[string]*Channel {
	return m.channels
}

// Read returns the value of one channel. Unknown channels are reported as
// empty.
func (m *Manager) Read(name string) (any, error) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, ErrEmptyChannel
	}
	return ch.Get()
}

// ReadMany reads several channels into a map. With skipEmpty, empty
// channels are left out; otherwise the first empty channel is an error.
func (m *Manager) ReadMany(names []string, skipEmpty bool) (map[string]any, error) {
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, err := m.Read(name)
		if errors.Is(err, ErrEmptyChannel) {
			if skipEmpty {
				continue
			}
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Snapshot returns the checkpoint state of every non-empty channel.
func (m *Manager) Snapshot() (map[string]any, error) {
	out := make(map[string]any, len(m.channels))
	for _, name := range m.names {
		state, err := m.channels[name].Checkpoint()
		if errors.Is(err, ErrEmptyChannel) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint channel %s: %w", name, err)
		}
		out[name] = state
	}
	return out, nil
}

// Close closes every channel in reverse open order and returns all
// release errors together.
func (m *Manager) Close() error {
	var result *multierror.Error
	for i := len(m.names) - 1; i >= 0; i-- {
		ch, ok := m.channels[m.names[i]]
		if !ok {
			continue
		}
		if err := ch.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close channel %s: %w", m.names[i], err))
		}
	}
	return result.ErrorOrNil()
}
