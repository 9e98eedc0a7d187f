package flows

import (
	"fmt"
	"slices"

	"github.com/randalmurphal/flowstack/pkg/flows/channels"
	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
)

// Send is a packet that runs Node with Arg on the next step.
type Send = checkpoint.Send

// SkipWrite, used as a write value, drops the write.
var SkipWrite any = skipWrite{}

type skipWrite struct{}

// ChannelWriteEntry describes one write of a ChannelWrite.
type ChannelWriteEntry struct {
	Channel string
	// Value is written when Passthrough is false.
	Value any
	// Passthrough writes the writer's input instead of Value.
	Passthrough bool
	// Mapper, if set, transforms the value before it is written.
	Mapper Runnable
	// SkipNone drops the write when the value is nil.
	SkipNone bool
}

// PassthroughTo returns an entry writing the writer's input to channel.
func PassthroughTo(channel string) ChannelWriteEntry {
	return ChannelWriteEntry{Channel: channel, Passthrough: true}
}

// ValueTo returns an entry writing a fixed value to channel.
func ValueTo(channel string, value any) ChannelWriteEntry {
	return ChannelWriteEntry{Channel: channel, Value: value}
}

// ChannelWrite is a writer: it turns its input into channel writes and
// Send packets, and returns the input unchanged.
type ChannelWrite struct {
	Entries []ChannelWriteEntry
	Sends   []Send
	// RequiredChannels, when set, demands a write to at least one of them
	// whenever the input is not nil.
	RequiredChannels []string
	Tags             []string
}

// Invoke performs the writes through ctx.
func (w *ChannelWrite) Invoke(ctx Context, input any) (any, error) {
	writes := make([]checkpoint.Write, 0, len(w.Entries)+len(w.Sends))
	for _, entry := range w.Entries {
		if entry.Channel == Tasks {
			return nil, &channels.InvalidUpdateError{
				Channel: Tasks,
				Reason:  "cannot write to the reserved tasks channel, use a Send",
			}
		}
		value := entry.Value
		if entry.Passthrough {
			value = input
		}
		if entry.Mapper != nil {
			out, err := entry.Mapper.Invoke(ctx, value)
			if err != nil {
				return nil, err
			}
			if value, err = resolve(ctx, out); err != nil {
				return nil, err
			}
		}
		if entry.SkipNone && value == nil {
			continue
		}
		if _, skip := value.(skipWrite); skip {
			continue
		}
		writes = append(writes, checkpoint.Write{Channel: entry.Channel, Value: value})
	}
	for _, send := range w.Sends {
		writes = append(writes, checkpoint.Write{Channel: Tasks, Value: send})
	}

	if input != nil && len(w.RequiredChannels) > 0 {
		wrote := slices.ContainsFunc(writes, func(wr checkpoint.Write) bool {
			return slices.Contains(w.RequiredChannels, wr.Channel)
		})
		if !wrote {
			return nil, &channels.InvalidUpdateError{
				Channel: w.RequiredChannels[0],
				Reason:  fmt.Sprintf("must write to at least one of %v", w.RequiredChannels),
			}
		}
	}

	if err := ctx.Write(writes...); err != nil {
		return nil, err
	}
	return input, nil
}

// merge returns a writer performing w's writes followed by next's.
// Writers with required channels check only their own entries, so they
// are never merged and ok is false.
func (w *ChannelWrite) merge(next *ChannelWrite) (merged *ChannelWrite, ok bool) {
	if len(w.RequiredChannels) > 0 || len(next.RequiredChannels) > 0 {
		return nil, false
	}
	return &ChannelWrite{
		Entries: append(slices.Clone(w.Entries), next.Entries...),
		Sends:   append(slices.Clone(w.Sends), next.Sends...),
		Tags:    w.Tags,
	}, true
}

// SendWriter is a writer that turns a Send or []Send input into packets.
// Other inputs are passed through without writes.
type SendWriter struct{}

// Invoke writes the packets found in input.
func (SendWriter) Invoke(ctx Context, input any) (any, error) {
	var sends []Send
	switch v := input.(type) {
	case Send:
		sends = []Send{v}
	case *Send:
		if v != nil {
			sends = []Send{*v}
		}
	case []Send:
		sends = v
	case []any:
		for _, item := range v {
			if s, ok := item.(Send); ok {
				sends = append(sends, s)
			}
		}
	}
	if len(sends) == 0 {
		return input, nil
	}
	writes := make([]checkpoint.Write, len(sends))
	for i, s := range sends {
		writes[i] = checkpoint.Write{Channel: Tasks, Value: s}
	}
	if err := ctx.Write(writes...); err != nil {
		return nil, err
	}
	return input, nil
}

// isWriter reports whether r is one of the engine's writers.
func isWriter(r Runnable) bool {
	switch r.(type) {
	case *ChannelWrite, SendWriter, *SendWriter:
		return true
	}
	return false
}
