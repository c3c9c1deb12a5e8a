package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownState indicates a state that is not part of the machine definition.
	ErrUnknownState = errors.New("unknown state")

	// ErrNoTransition indicates a trigger with no applicable rule in the current state.
	ErrNoTransition = errors.New("trigger unavailable in current state")

	// ErrEntryPanicked indicates an entry action that panicked after its transition.
	ErrEntryPanicked = errors.New("entry action panicked")
)

// BudgetExhaustedError is returned when a counter reached its configured maximum.
// It is terminal for the actor that owns the budget, never for the process.
type BudgetExhaustedError struct {
	Budget string
	Max    int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget %s exhausted (max %d)", e.Budget, e.Max)
}
