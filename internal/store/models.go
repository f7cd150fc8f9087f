package store

import "time"

// Document is one authored version of a report. All versions of the same
// logical report share a LineageID; VersionNumber is strictly increasing
// within the lineage. Once issued, the row's content-bearing fields are
// frozen and only the supersession pointers may change.
type Document struct {
	ID                    string
	LineageID             string
	VersionNumber         int
	Title                 string
	SiteName              string
	Frameworks            []string
	Status                string
	RequiresApproval      bool
	CreatedBy             string
	CreatedAt             time.Time
	UpdatedBy             string
	UpdatedAt             time.Time
	IssuedBy              string
	IssuedAt              *time.Time
	SupersededByVersionID *string
	SupersedesVersionID   *string
}

// Item is one action/finding. The Reference ("A-7") is scoped to the lineage,
// assigned once and never reused; rows cloned by carry-forward keep the
// reference and FirstRaisedInVersion of the original.
type Item struct {
	ID                   string
	LineageID            string
	DocumentID           string
	Reference            string
	Title                string
	Detail               string
	SectionKey           string
	Priority             string
	Status               string
	FirstRaisedInVersion int
	CarriedFromItemID    *string
	SupersededByItemID   *string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ChangeSummary is the stored delta between an issued version and its
// predecessor. Written once at issuance, never regenerated.
type ChangeSummary struct {
	ID                 int64
	DocumentID         string
	PreviousDocumentID string
	NewCount           int
	ClosedCount        int
	ReopenedCount      int
	OutstandingCount   int
	MaterialChange     bool
	DeltaJSON          string
	Rendered           string
	GeneratedAt        time.Time
}

// LockedArtifact binds an issued version to exactly one rendered output by
// content hash and storage reference.
type LockedArtifact struct {
	DocumentID  string
	ContentHash string
	StorageRef  string
	SizeBytes   int64
	GeneratedAt time.Time
}

// AuditEvent is one structured record of a state transition or integrity
// alert, written fire-and-forget.
type AuditEvent struct {
	ID         int64
	EventType  string
	DocumentID string
	LineageID  string
	Actor      string
	Payload    map[string]any
	CreatedAt  time.Time
}

// ReferenceAssignment records one pending reference-number grant, applied
// atomically inside the issuance transaction.
type ReferenceAssignment struct {
	ItemID    string
	Reference string
}

// FinalizeIssueParams is the full effect set of issuing a document. The store
// applies everything in one transaction; a failure leaves no partial state.
type FinalizeIssueParams struct {
	DocumentID           string
	LineageID            string
	FromStatus           string
	Actor                string
	IssuedAt             time.Time
	ReferenceAssignments []ReferenceAssignment
	NextReference        int
	PriorIssuedID        string
	Summary              *ChangeSummary
	Artifact             LockedArtifact
}

// CreateVersionParams carries a pre-built draft document and its carried-
// forward item clones, inserted in one transaction.
type CreateVersionParams struct {
	SourceDocumentID string
	Document         Document
	Items            []Item
}
