// Package render turns an assessment version into the report HTML and the
// PDF bytes that get locked at issuance. Rendering happens exactly once per
// issued version; afterwards the locked artifact is the only source.
package render

import (
	"errors"
	"time"
)

// Report is the fully resolved input for one render: document metadata,
// ordered section content, the action register and the change summary text.
type Report struct {
	Title         string
	SiteName      string
	VersionNumber int
	Frameworks    []string
	IssuedBy      string
	IssuedAt      time.Time
	Sections      []Section
	Actions       []Action
	ChangeSummary string
}

type Section struct {
	Key      string
	Complete bool
	Fields   []Field
}

type Field struct {
	Name  string
	Value string
}

type Action struct {
	Reference            string
	Title                string
	SectionKey           string
	Priority             string
	Status               string
	FirstRaisedInVersion int
}

// Result contains the rendered output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates the headless browser runtime is unavailable.
var ErrPDFDependencyMissing = errors.New("render pdf dependency missing")
