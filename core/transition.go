/*
transition.go - Generic status transition validation

PURPOSE:
  Every entity with a lifecycle (ticket, re-entry, payment, refund,
  allocation, refund transaction) declares its permitted moves as a
  transition table. This file validates a proposed move against that table
  so the rule lives in data, enforced in exactly one place.

USAGE:
  var ticketTransitions = core.Table[TicketStatus]{
      StatusPendingSecurity: {StatusPassedSecurity},
      ...
  }

  if err := ticketTransitions.Validate("ticket", from, to); err != nil {
      return err // *core.InvalidTransitionError
  }

GUARD POINTS:
  Called both on explicit UpdateStatus operations and as a pre-save guard
  whenever a record is persisted with a status differing from its
  last-loaded value. A status absent from the table has no outgoing edges
  and is therefore terminal.

SEE ALSO:
  - errors.go: InvalidTransitionError
*/
package core

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// Table maps each status to the set of statuses it may move to.
// Statuses with no entry (or an empty entry) are terminal.
type Table[S ~string] map[S][]S

// Can reports whether from -> to is a permitted edge.
func (t Table[S]) Can(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns an *InvalidTransitionError if from -> to is not in the
// table. The entity name is included so the error reads well unwrapped.
func (t Table[S]) Validate(entity string, from, to S) error {
	if t.Can(from, to) {
		return nil
	}
	allowed := make([]string, 0, len(t[from]))
	for _, s := range t[from] {
		allowed = append(allowed, string(s))
	}
	return &InvalidTransitionError{
		Entity:  entity,
		From:    string(from),
		To:      string(to),
		Allowed: allowed,
	}
}

// IsTerminal reports whether a status has no outgoing edges.
func (t Table[S]) IsTerminal(s S) bool { return len(t[s]) == 0 }
