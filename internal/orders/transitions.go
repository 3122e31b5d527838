package orders

import (
	"fmt"
	"slices"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

// allowedTransitions is the single source of truth for order status changes.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusShipped},
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: order %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	return nil
}
