// Package readiness decides whether a report version satisfies its issuance
// preconditions. Evaluate is a pure function: the same implementation backs
// the advisory readiness endpoint and the authoritative gate inside issue,
// so the two can never drift.
package readiness

import (
	"fmt"
	"sort"
)

// BlockerKind tags what class of precondition a blocker reports.
type BlockerKind string

const (
	KindSectionIncomplete    BlockerKind = "SECTION_INCOMPLETE"
	KindRequiredFieldMissing BlockerKind = "REQUIRED_FIELD_MISSING"
	KindConditionalUnmet     BlockerKind = "CONDITIONAL_REQUIREMENT_UNMET"
)

// Blocker is one outstanding issuance precondition. The full set is always
// reported in one pass; callers never see blockers one at a time.
type Blocker struct {
	Kind    BlockerKind `json:"kind"`
	Section string      `json:"section,omitempty"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

// Result is the outcome of an evaluation. Eligible is true iff Blockers is
// empty across every declared framework.
type Result struct {
	Eligible bool      `json:"eligible"`
	Blockers []Blocker `json:"blockers"`
}

// SectionState is the validator's view of one section of the content payload.
// The payload itself is opaque to the core; the caller extracts only section
// presence, the author's completion mark, and the populated field keys.
type SectionState struct {
	Complete bool
	Fields   map[string]string
}

// Content is the minimal projection of a document's payload the validator
// needs: which sections exist and which conditional flags are set.
type Content struct {
	Sections map[string]SectionState
	Flags    map[string]bool
}

// SectionRule declares one section a framework requires. A rule with
// RequiredWhenFlag set only applies when that content flag is true.
type SectionRule struct {
	Key              string
	RequiredFields   []string
	RequiredWhenFlag string
}

// Framework is one assessment framework's declared section set. A composite
// report declares several frameworks; each is evaluated independently and the
// blockers are unioned.
type Framework struct {
	Key      string
	Name     string
	Sections []SectionRule
}

var catalog = map[string]Framework{
	"fire_risk": {
		Key:  "fire_risk",
		Name: "Fire Risk Assessment",
		Sections: []SectionRule{
			{Key: "premises", RequiredFields: []string{"responsible_person"}},
			{Key: "hazards"},
			{Key: "persons_at_risk"},
			{Key: "evaluation", RequiredFields: []string{"risk_rating"}},
			{Key: "significant_findings"},
			{Key: "emergency_plan"},
			{Key: "maintenance"},
			{Key: "sleeping_risk", RequiredWhenFlag: "sleepingAccommodation"},
		},
	},
	"dsear": {
		Key:  "dsear",
		Name: "DSEAR Assessment",
		Sections: []SectionRule{
			{Key: "premises", RequiredFields: []string{"responsible_person"}},
			{Key: "substances", RequiredFields: []string{"inventory_ref"}},
			{Key: "zoning"},
			{Key: "control_measures"},
		},
	},
}

// Lookup resolves framework keys against the catalog.
func Lookup(keys []string) ([]Framework, error) {
	frameworks := make([]Framework, 0, len(keys))
	for _, key := range keys {
		framework, ok := catalog[key]
		if !ok {
			return nil, fmt.Errorf("unknown assessment framework %q", key)
		}
		frameworks = append(frameworks, framework)
	}
	return frameworks, nil
}

// KnownFrameworks lists catalog keys, sorted.
func KnownFrameworks() []string {
	keys := make([]string, 0, len(catalog))
	for key := range catalog {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Evaluate checks every declared framework against the content projection and
// unions the blockers. Sections shared between frameworks produce one blocker,
// not one per framework, and a section required by any framework is required
// for the document. Partially satisfied frameworks never suppress another
// framework's blockers.
func Evaluate(frameworks []Framework, content Content) Result {
	var blockers []Blocker
	seen := make(map[string]struct{})

	add := func(b Blocker) {
		key := string(b.Kind) + "\x00" + b.Section + "\x00" + b.Field
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		blockers = append(blockers, b)
	}

	for _, framework := range frameworks {
		for _, rule := range framework.Sections {
			conditional := rule.RequiredWhenFlag != ""
			if conditional && !content.Flags[rule.RequiredWhenFlag] {
				continue
			}

			section, present := content.Sections[rule.Key]
			if !present || !section.Complete {
				kind := KindSectionIncomplete
				message := fmt.Sprintf("section %q is incomplete", rule.Key)
				if conditional {
					kind = KindConditionalUnmet
					message = fmt.Sprintf("section %q is required because %q is set", rule.Key, rule.RequiredWhenFlag)
				}
				add(Blocker{Kind: kind, Section: rule.Key, Message: message})
				continue
			}

			for _, field := range rule.RequiredFields {
				if section.Fields[field] == "" {
					add(Blocker{
						Kind:    KindRequiredFieldMissing,
						Section: rule.Key,
						Field:   field,
						Message: fmt.Sprintf("section %q is missing required field %q", rule.Key, field),
					})
				}
			}
		}
	}

	sort.SliceStable(blockers, func(i, j int) bool {
		if blockers[i].Section != blockers[j].Section {
			return blockers[i].Section < blockers[j].Section
		}
		if blockers[i].Kind != blockers[j].Kind {
			return blockers[i].Kind < blockers[j].Kind
		}
		return blockers[i].Field < blockers[j].Field
	})

	if blockers == nil {
		blockers = []Blocker{}
	}
	return Result{Eligible: len(blockers) == 0, Blockers: blockers}
}
