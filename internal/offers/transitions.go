package offers

import (
	"fmt"
	"slices"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

// allowedTransitions is the single source of truth for offer status changes.
var allowedTransitions = map[Status][]Status{
	StatusWaiting:    {StatusExpedition, StatusDeny},
	StatusExpedition: {StatusSended},
	StatusSended:     {StatusPaid},
}

// CanTransition reports whether from -> to is a legal offer transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// Editable reports whether the owner may still change the offer content.
func Editable(s Status) bool {
	return s == StatusWaiting
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: offer %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	return nil
}
