// Package changes computes the auditable "what changed" delta between two
// issued versions of a report. Diff is pure; the app service stores the
// result exactly once per (new, previous) pair and serves the stored copy on
// every later request.
package changes

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"firemark/api/internal/lifecycle"
)

// ItemView is the diff engine's snapshot of one action: just the fields the
// delta needs, detached from storage.
type ItemView struct {
	Reference            string               `json:"reference"`
	Title                string               `json:"title"`
	Status               lifecycle.ItemStatus `json:"status"`
	FirstRaisedInVersion int                  `json:"firstRaisedInVersion"`
}

// Delta is the structured difference between two versions' action sets.
type Delta struct {
	NewVersion      int        `json:"newVersion"`
	PreviousVersion int        `json:"previousVersion"`
	New             []ItemView `json:"new"`
	Closed          []ItemView `json:"closed"`
	Reopened        []ItemView `json:"reopened"`
	Outstanding     []ItemView `json:"outstanding"`
	MaterialChange  bool       `json:"materialChange"`
}

// Diff compares the action sets of the previous issued version and the new
// version. Matching is by stable reference number. Cosmetic content edits do
// not appear here at all, so they can never set the material-change flag.
func Diff(newVersion, previousVersion int, previous, current []ItemView) Delta {
	prevByRef := make(map[string]ItemView, len(previous))
	for _, item := range previous {
		prevByRef[item.Reference] = item
	}
	currByRef := make(map[string]ItemView, len(current))
	for _, item := range current {
		currByRef[item.Reference] = item
	}

	delta := Delta{
		NewVersion:      newVersion,
		PreviousVersion: previousVersion,
		New:             []ItemView{},
		Closed:          []ItemView{},
		Reopened:        []ItemView{},
		Outstanding:     []ItemView{},
	}

	for _, item := range current {
		if item.FirstRaisedInVersion == newVersion {
			delta.New = append(delta.New, item)
		}
		if item.Status.Outstanding() {
			delta.Outstanding = append(delta.Outstanding, item)
		}
		prev, existed := prevByRef[item.Reference]
		if existed && prev.Status == lifecycle.ItemClosed && item.Status.Outstanding() {
			delta.Reopened = append(delta.Reopened, item)
		}
	}

	for _, item := range previous {
		if !item.Status.Outstanding() {
			continue
		}
		now, present := currByRef[item.Reference]
		if !present || now.Status == lifecycle.ItemClosed {
			closed := item
			if present {
				closed = now
			}
			delta.Closed = append(delta.Closed, closed)
		}
	}

	sortByReference(delta.New)
	sortByReference(delta.Closed)
	sortByReference(delta.Reopened)
	sortByReference(delta.Outstanding)

	delta.MaterialChange = len(delta.New)+len(delta.Closed)+len(delta.Reopened) > 0
	return delta
}

// Render produces the human-readable form of a delta. Deterministic: the same
// delta always renders to the same bytes.
func Render(d Delta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change summary: version %d (previous issue: version %d)\n", d.NewVersion, d.PreviousVersion)
	if d.MaterialChange {
		b.WriteString("Material changes recorded.\n")
	} else {
		b.WriteString("No material changes; editorial revisions only.\n")
	}
	renderBucket(&b, "New actions", d.New)
	renderBucket(&b, "Closed actions", d.Closed)
	renderBucket(&b, "Reopened actions", d.Reopened)
	renderBucket(&b, "Outstanding actions", d.Outstanding)
	return b.String()
}

func renderBucket(b *strings.Builder, label string, items []ItemView) {
	fmt.Fprintf(b, "%s (%d):\n", label, len(items))
	for _, item := range items {
		fmt.Fprintf(b, "  %s  %s\n", item.Reference, item.Title)
	}
}

// sortByReference orders items by the numeric part of references like "A-12",
// falling back to string order for anything that does not parse.
func sortByReference(items []ItemView) {
	sort.SliceStable(items, func(i, j int) bool {
		ni, oki := referenceOrdinal(items[i].Reference)
		nj, okj := referenceOrdinal(items[j].Reference)
		if oki && okj {
			return ni < nj
		}
		return items[i].Reference < items[j].Reference
	})
}

func referenceOrdinal(ref string) (int, bool) {
	idx := strings.LastIndexByte(ref, '-')
	if idx < 0 || idx == len(ref)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(ref[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
