package channels

import (
	"errors"
	"fmt"
)

// ErrEmptyChannel is returned when reading a channel that holds no value.
var ErrEmptyChannel = errors.New("channel is empty")

// ErrInvalidUpdate is the sentinel matched by every InvalidUpdateError.
var ErrInvalidUpdate = errors.New("invalid channel update")

// InvalidUpdateError describes an update a channel refused to apply.
type InvalidUpdateError struct {
	Channel string
	Values  []any
	Reason  string
}

// Error implements the error interface.
func (e *InvalidUpdateError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("invalid update %v: %s", e.Values, e.Reason)
	}
	return fmt.Sprintf("channel %s: invalid update %v: %s", e.Channel, e.Values, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidUpdate) match.
func (e *InvalidUpdateError) Is(target error) bool {
	return target == ErrInvalidUpdate
}

func (c *Channel) invalid(values []any, format string, args ...any) error {
	return &InvalidUpdateError{Channel: c.name, Values: values, Reason: fmt.Sprintf(format, args...)}
}
