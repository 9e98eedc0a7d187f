package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
)

// StreamChunk is one item produced by Stream.
type StreamChunk struct {
	// Mode is the stream mode that produced the chunk.
	Mode string
	// Step is the step the chunk belongs to.
	Step int
	// Data is the channel values (values mode), a map of node name to
	// output (updates mode) or a *DebugEvent (debug mode).
	Data any
}

// StreamResult carries a chunk or the error that ended a stream.
type StreamResult struct {
	Chunk StreamChunk
	Err   error
}

// mapInput turns the invocation input into writes to the input channels.
func (p *Pregel) mapInput(input any, logger *slog.Logger) ([]checkpoint.Write, error) {
	if input == nil {
		return nil, nil
	}
	if p.singleInput {
		return []checkpoint.Write{{Channel: p.inputs[0], Value: input}}, nil
	}
	values, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map[string]any for input channels %v, got %T", ErrInvalidInput, p.inputs, input)
	}
	var writes []checkpoint.Write
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if !slices.Contains(p.inputs, key) {
			logger.Warn("input key is not an input channel", "key", key)
			continue
		}
		writes = append(writes, checkpoint.Write{Channel: key, Value: values[key]})
	}
	return writes, nil
}

// readOutput reads names from chans. With single it returns the value of
// the first channel; otherwise a map of the non-empty channels. It
// reports false when there is nothing to return.
func readOutput(chans map[string]*channels.Channel, names []string, single bool) (any, bool, error) {
	if single {
		v, err := readChannel(chans, names[0])
		if errors.Is(err, channels.ErrEmptyChannel) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, err := readChannel(chans, name)
		if errors.Is(err, channels.ErrEmptyChannel) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		out[name] = v
	}
	return out, len(out) > 0, nil
}

// mapOutputValues returns the stream channel values when a write of the
// step touched one of them.
func mapOutputValues(chans map[string]*channels.Channel, names []string, single bool, writes []checkpoint.Write) (any, bool, error) {
	touched := slices.ContainsFunc(writes, func(w checkpoint.Write) bool {
		return slices.Contains(names, w.Channel)
	})
	if !touched {
		return nil, false, nil
	}
	return readOutput(chans, names, single)
}

// mapOutputUpdates returns what each visible task wrote to the output
// channels, keyed by node name. A node that ran as several tasks maps to
// a list of their outputs.
func mapOutputUpdates(names []string, single bool, tasks []*Task) (map[string]any, bool) {
	grouped := map[string][]any{}
	for _, t := range tasks {
		if t.Hidden() {
			continue
		}
		writes := t.Writes()
		if single {
			for _, w := range writes {
				if w.Channel == names[0] {
					grouped[t.Name] = append(grouped[t.Name], w.Value)
				}
			}
			continue
		}
		values := map[string]any{}
		for _, w := range writes {
			if slices.Contains(names, w.Channel) {
				values[w.Channel] = w.Value
			}
		}
		if len(values) > 0 {
			grouped[t.Name] = append(grouped[t.Name], values)
		}
	}
	if len(grouped) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(grouped))
	for node, values := range grouped {
		if len(values) == 1 {
			out[node] = values[0]
		} else {
			out[node] = values
		}
	}
	return out, true
}
