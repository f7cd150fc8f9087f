package changes

import (
	"strings"
	"testing"

	"firemark/api/internal/lifecycle"
)

func refs(items []ItemView) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Reference
	}
	return out
}

func equalRefs(got []ItemView, want ...string) bool {
	g := refs(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func TestDiffNewClosedBuckets(t *testing.T) {
	// v1 issued with A-1 open and A-2 closed; v2 adds A-3 and closes A-1.
	previous := []ItemView{
		{Reference: "A-1", Title: "Fit self-closer to plant room door", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
		{Reference: "A-2", Title: "Clear escape corridor", Status: lifecycle.ItemClosed, FirstRaisedInVersion: 1},
	}
	current := []ItemView{
		{Reference: "A-1", Title: "Fit self-closer to plant room door", Status: lifecycle.ItemClosed, FirstRaisedInVersion: 1},
		{Reference: "A-3", Title: "Service dry riser", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 2},
	}

	delta := Diff(2, 1, previous, current)

	if !equalRefs(delta.New, "A-3") {
		t.Errorf("new = %v, want [A-3]", refs(delta.New))
	}
	if !equalRefs(delta.Closed, "A-1") {
		t.Errorf("closed = %v, want [A-1]", refs(delta.Closed))
	}
	if len(delta.Reopened) != 0 {
		t.Errorf("reopened = %v, want empty", refs(delta.Reopened))
	}
	if !equalRefs(delta.Outstanding, "A-3") {
		t.Errorf("outstanding = %v, want [A-3]", refs(delta.Outstanding))
	}
	if !delta.MaterialChange {
		t.Error("expected material change flag")
	}
}

func TestDiffReopened(t *testing.T) {
	previous := []ItemView{
		{Reference: "A-1", Title: "Replace damaged fire door", Status: lifecycle.ItemClosed, FirstRaisedInVersion: 1},
	}
	current := []ItemView{
		{Reference: "A-1", Title: "Replace damaged fire door", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
	}

	delta := Diff(2, 1, previous, current)
	if !equalRefs(delta.Reopened, "A-1") {
		t.Errorf("reopened = %v, want [A-1]", refs(delta.Reopened))
	}
	if len(delta.New) != 0 || len(delta.Closed) != 0 {
		t.Errorf("unexpected buckets: new=%v closed=%v", refs(delta.New), refs(delta.Closed))
	}
	if !delta.MaterialChange {
		t.Error("expected material change flag")
	}
}

func TestDiffCosmeticOnlyIsNotMaterial(t *testing.T) {
	items := []ItemView{
		{Reference: "A-1", Title: "Test alarm weekly", Status: lifecycle.ItemInProgress, FirstRaisedInVersion: 1},
	}

	delta := Diff(2, 1, items, items)
	if delta.MaterialChange {
		t.Error("identical action sets must not be material")
	}
	if !equalRefs(delta.Outstanding, "A-1") {
		t.Errorf("outstanding = %v, want [A-1]", refs(delta.Outstanding))
	}
}

func TestDiffItemAbsentFromNewVersionCountsClosed(t *testing.T) {
	previous := []ItemView{
		{Reference: "A-1", Title: "Remove waste buildup", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
	}

	delta := Diff(2, 1, previous, nil)
	if !equalRefs(delta.Closed, "A-1") {
		t.Errorf("closed = %v, want [A-1]", refs(delta.Closed))
	}
}

func TestDiffDeterministicRendering(t *testing.T) {
	previous := []ItemView{
		{Reference: "A-2", Title: "Signage audit", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
		{Reference: "A-10", Title: "Compartmentation survey", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
	}
	current := []ItemView{
		{Reference: "A-10", Title: "Compartmentation survey", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1},
		{Reference: "A-2", Title: "Signage audit", Status: lifecycle.ItemClosed, FirstRaisedInVersion: 1},
		{Reference: "A-11", Title: "Update evacuation drawings", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 2},
	}

	first := Render(Diff(2, 1, previous, current))
	second := Render(Diff(2, 1, previous, current))
	if first != second {
		t.Fatal("rendering the same pair twice must be byte-identical")
	}
	if !strings.Contains(first, "Material changes recorded.") {
		t.Errorf("rendered form missing material-change line:\n%s", first)
	}
	// Numeric reference ordering: A-2 before A-10 in outstanding listing.
	if strings.Index(first, "A-10") < strings.Index(first, "A-2") {
		t.Errorf("expected numeric reference ordering:\n%s", first)
	}
}
