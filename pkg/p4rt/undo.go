package p4rt

import (
	"errors"
	"fmt"
	"log/slog"
)

// undoStack collects compensating actions for a multi-step operation.
type undoStack []func() error

func (u *undoStack) push(fn func() error) {
	*u = append(*u, fn)
}

// rollback runs the actions in reverse order, empties the stack and joins
// their errors.
func (u *undoStack) rollback(logger *slog.Logger) error {
	steps := *u
	*u = nil
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](); err != nil {
			logger.Warn("rollback step failed", "step", i, "err", err)
			errs = append(errs, fmt.Errorf("undo step %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
