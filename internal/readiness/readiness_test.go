package readiness

import "testing"

func complete(fields map[string]string) SectionState {
	return SectionState{Complete: true, Fields: fields}
}

func fullFireRiskContent() Content {
	return Content{
		Sections: map[string]SectionState{
			"premises":             complete(map[string]string{"responsible_person": "J. Holloway"}),
			"hazards":              complete(nil),
			"persons_at_risk":      complete(nil),
			"evaluation":           complete(map[string]string{"risk_rating": "tolerable"}),
			"significant_findings": complete(nil),
			"emergency_plan":       complete(nil),
			"maintenance":          complete(nil),
		},
	}
}

func TestEvaluateEligibleWhenAllSectionsComplete(t *testing.T) {
	frameworks, err := Lookup([]string{"fire_risk"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	result := Evaluate(frameworks, fullFireRiskContent())
	if !result.Eligible {
		t.Fatalf("expected eligible, blockers: %+v", result.Blockers)
	}
	if len(result.Blockers) != 0 {
		t.Fatalf("expected zero blockers, got %d", len(result.Blockers))
	}
}

func TestEvaluateIncompleteSection(t *testing.T) {
	frameworks, _ := Lookup([]string{"fire_risk"})
	content := fullFireRiskContent()
	content.Sections["emergency_plan"] = SectionState{Complete: false}

	result := Evaluate(frameworks, content)
	if result.Eligible {
		t.Fatal("expected not eligible")
	}
	if len(result.Blockers) != 1 {
		t.Fatalf("expected one blocker, got %+v", result.Blockers)
	}
	b := result.Blockers[0]
	if b.Kind != KindSectionIncomplete || b.Section != "emergency_plan" {
		t.Fatalf("unexpected blocker: %+v", b)
	}

	// Completing the section flips eligibility with zero blockers.
	content.Sections["emergency_plan"] = complete(nil)
	result = Evaluate(frameworks, content)
	if !result.Eligible || len(result.Blockers) != 0 {
		t.Fatalf("expected eligible after completion, got %+v", result)
	}
}

func TestEvaluateRequiredFieldMissing(t *testing.T) {
	frameworks, _ := Lookup([]string{"fire_risk"})
	content := fullFireRiskContent()
	content.Sections["evaluation"] = complete(nil)

	result := Evaluate(frameworks, content)
	if result.Eligible {
		t.Fatal("expected not eligible")
	}
	if len(result.Blockers) != 1 {
		t.Fatalf("expected one blocker, got %+v", result.Blockers)
	}
	b := result.Blockers[0]
	if b.Kind != KindRequiredFieldMissing || b.Section != "evaluation" || b.Field != "risk_rating" {
		t.Fatalf("unexpected blocker: %+v", b)
	}
}

func TestEvaluateConditionalSection(t *testing.T) {
	frameworks, _ := Lookup([]string{"fire_risk"})

	// Flag unset: sleeping_risk is not required.
	content := fullFireRiskContent()
	if result := Evaluate(frameworks, content); !result.Eligible {
		t.Fatalf("expected eligible without flag, got %+v", result.Blockers)
	}

	// Flag set but section absent: conditional blocker.
	content.Flags = map[string]bool{"sleepingAccommodation": true}
	result := Evaluate(frameworks, content)
	if result.Eligible {
		t.Fatal("expected not eligible with flag set")
	}
	if result.Blockers[0].Kind != KindConditionalUnmet || result.Blockers[0].Section != "sleeping_risk" {
		t.Fatalf("unexpected blocker: %+v", result.Blockers[0])
	}

	// Completing the conditional section satisfies it.
	content.Sections["sleeping_risk"] = complete(nil)
	if result := Evaluate(frameworks, content); !result.Eligible {
		t.Fatalf("expected eligible with sleeping_risk complete, got %+v", result.Blockers)
	}
}

func TestEvaluateCompositeUnionsBlockers(t *testing.T) {
	frameworks, err := Lookup([]string{"fire_risk", "dsear"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// fire_risk fully satisfied, dsear entirely missing: the satisfied
	// framework must not suppress the other's blockers.
	content := fullFireRiskContent()
	result := Evaluate(frameworks, content)
	if result.Eligible {
		t.Fatal("expected not eligible while dsear sections are missing")
	}

	missing := make(map[string]bool)
	for _, b := range result.Blockers {
		missing[b.Section] = true
	}
	for _, section := range []string{"substances", "zoning", "control_measures"} {
		if !missing[section] {
			t.Errorf("expected blocker for dsear section %q, got %+v", section, result.Blockers)
		}
	}
	// premises is shared and complete in both: no blocker for it.
	if missing["premises"] {
		t.Errorf("shared complete section produced a blocker: %+v", result.Blockers)
	}
}

func TestEvaluateSharedSectionDeduplicated(t *testing.T) {
	frameworks, _ := Lookup([]string{"fire_risk", "dsear"})

	// premises incomplete; both frameworks require it but only one blocker
	// per (kind, section, field) tuple may surface.
	content := fullFireRiskContent()
	content.Sections["premises"] = SectionState{Complete: false}
	content.Sections["substances"] = complete(map[string]string{"inventory_ref": "INV-7"})
	content.Sections["zoning"] = complete(nil)
	content.Sections["control_measures"] = complete(nil)

	result := Evaluate(frameworks, content)
	count := 0
	for _, b := range result.Blockers {
		if b.Section == "premises" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one premises blocker, got %d: %+v", count, result.Blockers)
	}
}

func TestLookupUnknownFramework(t *testing.T) {
	if _, err := Lookup([]string{"fire_risk", "asbestos"}); err == nil {
		t.Fatal("expected error for unknown framework")
	}
}
