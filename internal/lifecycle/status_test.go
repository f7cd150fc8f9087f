package lifecycle

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"draft to pending", StatusDraft, StatusPendingApproval, true},
		{"draft straight to issued", StatusDraft, StatusIssued, true},
		{"pending approved", StatusPendingApproval, StatusApproved, true},
		{"pending rejected back to draft", StatusPendingApproval, StatusDraft, true},
		{"approved to issued", StatusApproved, StatusIssued, true},
		{"approved recalled to draft", StatusApproved, StatusDraft, true},
		{"issued to superseded", StatusIssued, StatusSuperseded, true},
		{"draft cannot approve itself", StatusDraft, StatusApproved, false},
		{"issued cannot reopen", StatusIssued, StatusDraft, false},
		{"issued cannot re-issue", StatusIssued, StatusIssued, false},
		{"superseded is terminal", StatusSuperseded, StatusDraft, false},
		{"superseded cannot issue", StatusSuperseded, StatusIssued, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.ok {
				t.Fatalf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
			}
			_, err := tc.from.Transition(tc.to)
			if tc.ok && err != nil {
				t.Fatalf("Transition(%s -> %s) unexpected error: %v", tc.from, tc.to, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("Transition(%s -> %s) expected error", tc.from, tc.to)
				}
				if _, isInvalid := err.(*InvalidTransitionError); !isInvalid {
					t.Fatalf("expected *InvalidTransitionError, got %T", err)
				}
			}
		})
	}
}

func TestStatusImmutable(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusDraft:           false,
		StatusPendingApproval: false,
		StatusApproved:        false,
		StatusIssued:          true,
		StatusSuperseded:      true,
	} {
		if got := status.Immutable(); got != want {
			t.Errorf("Immutable(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestStatusOpen(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusDraft:           true,
		StatusPendingApproval: true,
		StatusApproved:        true,
		StatusIssued:          false,
		StatusSuperseded:      false,
	} {
		if got := status.Open(); got != want {
			t.Errorf("Open(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestCanIssue(t *testing.T) {
	if !StatusApproved.CanIssue(true) {
		t.Error("approved document with approval requirement should issue")
	}
	if StatusDraft.CanIssue(true) {
		t.Error("draft must not issue when approval is required")
	}
	if !StatusDraft.CanIssue(false) {
		t.Error("draft should issue when the document type has no approval step")
	}
	if StatusIssued.CanIssue(false) {
		t.Error("issued document must never issue again")
	}
}

func TestItemStatusCarryForward(t *testing.T) {
	for status, want := range map[ItemStatus]bool{
		ItemOpen:          true,
		ItemInProgress:    true,
		ItemDeferred:      true,
		ItemClosed:        false,
		ItemNotApplicable: false,
		ItemSuperseded:    false,
	} {
		if got := status.CarriesForward(); got != want {
			t.Errorf("CarriesForward(%s) = %v, want %v", status, got, want)
		}
	}
}
