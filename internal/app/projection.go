package app

import (
	"encoding/json"
	"fmt"
	"sort"

	"firemark/api/internal/readiness"
	"firemark/api/internal/render"
)

// contentPayload is the authored shape of a report's content.json. The core
// only interprets section completion marks, field values and conditional
// flags; everything else in the payload passes through untouched.
type contentPayload struct {
	Sections map[string]contentSection `json:"sections"`
	Flags    map[string]bool           `json:"flags"`
}

type contentSection struct {
	Complete bool              `json:"complete"`
	Fields   map[string]string `json:"fields"`
}

func parseContent(raw json.RawMessage) (contentPayload, error) {
	var payload contentPayload
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode content payload: %w", err)
	}
	return payload, nil
}

// projectReadiness reduces the payload to the validator's view.
func projectReadiness(payload contentPayload) readiness.Content {
	sections := make(map[string]readiness.SectionState, len(payload.Sections))
	for key, section := range payload.Sections {
		sections[key] = readiness.SectionState{
			Complete: section.Complete,
			Fields:   section.Fields,
		}
	}
	return readiness.Content{Sections: sections, Flags: payload.Flags}
}

// projectSections orders the payload's sections for rendering: framework
// declaration order first (deduplicated across a composite report), then any
// extra authored sections alphabetically.
func projectSections(frameworks []readiness.Framework, payload contentPayload) []render.Section {
	ordered := make([]render.Section, 0, len(payload.Sections))
	seen := make(map[string]struct{}, len(payload.Sections))

	appendSection := func(key string) {
		if _, done := seen[key]; done {
			return
		}
		section, present := payload.Sections[key]
		if !present {
			return
		}
		seen[key] = struct{}{}

		fields := make([]render.Field, 0, len(section.Fields))
		names := make([]string, 0, len(section.Fields))
		for name := range section.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fields = append(fields, render.Field{Name: name, Value: section.Fields[name]})
		}
		ordered = append(ordered, render.Section{Key: key, Complete: section.Complete, Fields: fields})
	}

	for _, framework := range frameworks {
		for _, rule := range framework.Sections {
			appendSection(rule.Key)
		}
	}

	extras := make([]string, 0)
	for key := range payload.Sections {
		if _, done := seen[key]; !done {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		appendSection(key)
	}

	return ordered
}
