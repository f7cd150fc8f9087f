// Package lifecycle defines the document status machine: which states a report
// version can be in and which transitions between them are legal. Everything
// here is pure; persistence and orchestration live in the app service.
package lifecycle

import "fmt"

// Status is a document version's position in the authoring lifecycle.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusIssued          Status = "ISSUED"
	StatusSuperseded      Status = "SUPERSEDED"
)

// legalTransitions maps each status to the set of statuses it may move to.
// ISSUED -> SUPERSEDED happens only as a side effect of issuing the next
// version in the lineage, never by direct request, but it is still the only
// edge out of ISSUED.
var legalTransitions = map[Status]map[Status]struct{}{
	StatusDraft:           {StatusPendingApproval: {}, StatusIssued: {}},
	StatusPendingApproval: {StatusApproved: {}, StatusDraft: {}},
	StatusApproved:        {StatusIssued: {}, StatusDraft: {}},
	StatusIssued:          {StatusSuperseded: {}},
	StatusSuperseded:      {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// Immutable reports whether a document in this status has frozen content.
// Only supersession-linking fields may change once a version is immutable.
func (s Status) Immutable() bool {
	return s == StatusIssued || s == StatusSuperseded
}

// Open reports whether this status counts toward the "at most one open
// version per lineage" invariant.
func (s Status) Open() bool {
	return s == StatusDraft || s == StatusPendingApproval || s == StatusApproved
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	targets, ok := legalTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[target]
	return ok
}

// Transition returns target if the move from s is legal, or an
// *InvalidTransitionError otherwise.
func (s Status) Transition(target Status) (Status, error) {
	if !s.CanTransition(target) {
		return s, &InvalidTransitionError{From: s, To: target}
	}
	return target, nil
}

// CanIssue reports whether a document in status s may be issued.
// requiresApproval distinguishes document types that go through the approval
// step from those that issue straight from draft.
func (s Status) CanIssue(requiresApproval bool) bool {
	if requiresApproval {
		return s == StatusApproved
	}
	return s == StatusApproved || s == StatusDraft
}

// InvalidTransitionError reports an attempted transition that is not legal
// from the current status.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ItemStatus is an action/finding's position in its own lifecycle. Reference
// numbers are scoped to the lineage, so an item keeps its status semantics
// across report versions.
type ItemStatus string

const (
	ItemOpen          ItemStatus = "OPEN"
	ItemInProgress    ItemStatus = "IN_PROGRESS"
	ItemClosed        ItemStatus = "CLOSED"
	ItemDeferred      ItemStatus = "DEFERRED"
	ItemNotApplicable ItemStatus = "NOT_APPLICABLE"
	ItemSuperseded    ItemStatus = "SUPERSEDED"
)

var itemStatuses = map[ItemStatus]struct{}{
	ItemOpen:          {},
	ItemInProgress:    {},
	ItemClosed:        {},
	ItemDeferred:      {},
	ItemNotApplicable: {},
	ItemSuperseded:    {},
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	_, ok := itemStatuses[s]
	return ok
}

// CarriesForward reports whether an item in this status is cloned into the
// next draft version. Closed, not-applicable and superseded items stay behind,
// queryable against the version that last held them.
func (s ItemStatus) CarriesForward() bool {
	return s == ItemOpen || s == ItemInProgress || s == ItemDeferred
}

// Outstanding reports whether the item still represents unresolved work.
func (s ItemStatus) Outstanding() bool {
	return s == ItemOpen || s == ItemInProgress || s == ItemDeferred
}
