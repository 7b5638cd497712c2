// Package fsm carries small helpers around github.com/looplab/fsm.
package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to the fsm.Callback shape,
// recording the error on the event so the transition fails.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// IsInvalidTransition reports whether err came from firing an event that the
// machine does not allow in its current state.
func IsInvalidTransition(err error) bool {
	var inv fsm.InvalidEventError
	return errors.As(err, &inv)
}
