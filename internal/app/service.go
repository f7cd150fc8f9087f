// Package app orchestrates the document lifecycle: version chains, approval
// and issuance, the action register, change summaries and locked artifacts.
// Pure rules live in lifecycle, readiness and changes; this package wires them
// to storage, the content repo, search and the artifact locker.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"firemark/api/internal/artifact"
	"firemark/api/internal/changes"
	"firemark/api/internal/config"
	"firemark/api/internal/contentrepo"
	"firemark/api/internal/lifecycle"
	"firemark/api/internal/lineagelock"
	"firemark/api/internal/readiness"
	"firemark/api/internal/render"
	"firemark/api/internal/search"
	"firemark/api/internal/store"
	"firemark/api/internal/util"
)

type CreateDocumentInput struct {
	Title            string          `json:"title"`
	SiteName         string          `json:"siteName"`
	Frameworks       []string        `json:"frameworks"`
	RequiresApproval bool            `json:"requiresApproval"`
	Content          json.RawMessage `json:"content,omitempty"`
}

type DecisionInput struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

type DocumentView struct {
	ID                    string     `json:"id"`
	LineageID             string     `json:"lineageId"`
	VersionNumber         int        `json:"versionNumber"`
	Title                 string     `json:"title"`
	SiteName              string     `json:"siteName"`
	Frameworks            []string   `json:"frameworks"`
	Status                string     `json:"status"`
	RequiresApproval      bool       `json:"requiresApproval"`
	CreatedBy             string     `json:"createdBy"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedBy             string     `json:"updatedBy"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	IssuedBy              string     `json:"issuedBy,omitempty"`
	IssuedAt              *time.Time `json:"issuedAt,omitempty"`
	SupersededByVersionID *string    `json:"supersededByVersionId,omitempty"`
	SupersedesVersionID   *string    `json:"supersedesVersionId,omitempty"`
}

type ActionView struct {
	ID                   string    `json:"id"`
	LineageID            string    `json:"lineageId"`
	DocumentID           string    `json:"documentId"`
	Reference            string    `json:"reference,omitempty"`
	Title                string    `json:"title"`
	Detail               string    `json:"detail"`
	SectionKey           string    `json:"sectionKey"`
	Priority             string    `json:"priority"`
	Status               string    `json:"status"`
	FirstRaisedInVersion int       `json:"firstRaisedInVersion"`
	CarriedFromActionID  *string   `json:"carriedFromActionId,omitempty"`
	SupersededByActionID *string   `json:"supersededByActionId,omitempty"`
	CreatedBy            string    `json:"createdBy"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type ChangeSummaryView struct {
	DocumentID         string        `json:"documentId"`
	PreviousDocumentID string        `json:"previousDocumentId"`
	MaterialChange     bool          `json:"materialChange"`
	Delta              changes.Delta `json:"delta"`
	Rendered           string        `json:"rendered"`
	GeneratedAt        time.Time     `json:"generatedAt"`
}

type ArtifactView struct {
	Data        []byte
	ContentHash string
	Filename    string
	MimeType    string
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	ListLineageDocuments(context.Context, string) ([]store.Document, error)
	GetOpenDocument(context.Context, string) (*store.Document, error)
	GetCurrentIssued(context.Context, string) (*store.Document, error)
	UpdateDocumentStatus(context.Context, string, string, string, string) (bool, error)
	TouchDocument(context.Context, string, string) error
	NextReferenceOrdinal(context.Context, string) (int, error)
	InsertItem(context.Context, store.Item) error
	GetItem(context.Context, string) (store.Item, error)
	ListDocumentItems(context.Context, string) ([]store.Item, error)
	ListLineageItems(context.Context, string) ([]store.Item, error)
	UpdateItemStatus(context.Context, string, string) (bool, error)
	MarkItemSuperseded(context.Context, string, string) (bool, error)
	FinalizeIssue(context.Context, store.FinalizeIssueParams) error
	CreateNextVersion(context.Context, store.CreateVersionParams) error
	GetChangeSummary(context.Context, string) (*store.ChangeSummary, error)
	GetLockedArtifact(context.Context, string) (*store.LockedArtifact, error)
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

type contentStore interface {
	EnsureLineageRepo(lineageID string, initial json.RawMessage, author string) error
	SaveContent(lineageID string, versionNumber int, payload json.RawMessage, author, message string) (contentrepo.CommitInfo, error)
	LoadContent(lineageID string, versionNumber int) (json.RawMessage, error)
	ForkVersion(lineageID string, fromVersion, toVersion int) error
	History(lineageID string, versionNumber, limit int) ([]contentrepo.CommitInfo, error)
}

type artifactLocker interface {
	Prepare(ctx context.Context, rendered []byte) (artifact.Record, error)
	Fetch(ctx context.Context, record artifact.Record) ([]byte, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexAction(a search.ActionRecord)
}

type auditSink interface {
	Record(eventType, documentID, lineageID, actor string, payload map[string]any)
}

// pdfFunc renders report HTML to PDF bytes. A function type so tests can
// substitute a stub for headless Chrome.
type pdfFunc func(ctx context.Context, html, title string) (*render.Result, error)

type Service struct {
	cfg       config.Config
	store     dataStore
	content   contentStore
	locks     lineagelock.Locker
	artifacts artifactLocker
	search    searchService
	audit     auditSink
	renderPDF pdfFunc
}

func New(cfg config.Config, dataStore dataStore, content contentStore, locks lineagelock.Locker, artifacts artifactLocker, searchSvc searchService, auditSvc auditSink) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		content:   content,
		locks:     locks,
		artifacts: artifacts,
		search:    searchSvc,
		audit:     auditSvc,
		renderPDF: render.PDF,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Frameworks() []string {
	return readiness.KnownFrameworks()
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// CreateDocument starts a new lineage at version 1, in DRAFT.
func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput, actor string) (DocumentView, error) {
	if input.Title == "" {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if len(input.Frameworks) == 0 {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one framework is required", nil)
	}
	if _, err := readiness.Lookup(input.Frameworks); err != nil {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_FRAMEWORK", err.Error(), map[string]any{"known": readiness.KnownFrameworks()})
	}

	doc := store.Document{
		ID:               util.NewID("doc"),
		LineageID:        util.NewID("lin"),
		VersionNumber:    1,
		Title:            input.Title,
		SiteName:         input.SiteName,
		Frameworks:       input.Frameworks,
		Status:           string(lifecycle.StatusDraft),
		RequiresApproval: input.RequiresApproval,
		CreatedBy:        actor,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return DocumentView{}, err
	}

	initial := input.Content
	if len(initial) == 0 {
		initial = json.RawMessage(`{}`)
	}
	if err := s.content.EnsureLineageRepo(doc.LineageID, initial, actor); err != nil {
		return DocumentView{}, fmt.Errorf("initialize content repo: %w", err)
	}

	s.indexDocument(doc)
	s.recordAudit("document.created", doc.ID, doc.LineageID, actor, map[string]any{"versionNumber": 1})

	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	return toDocumentView(created), nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return toDocumentView(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]DocumentView, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, toDocumentView(doc))
	}
	return views, nil
}

// ListVersions returns the lineage's whole chain, oldest first.
func (s *Service) ListVersions(ctx context.Context, lineageID string) ([]DocumentView, error) {
	docs, err := s.store.ListLineageDocuments(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, toDocumentView(doc))
	}
	return views, nil
}

func (s *Service) GetContent(ctx context.Context, documentID string) (json.RawMessage, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	payload, err := s.content.LoadContent(doc.LineageID, doc.VersionNumber)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	return payload, nil
}

// SaveContent commits a content revision on a mutable version. It runs under
// the lineage lock so a save can never interleave with issuance of the same
// version: once Issue holds the lock, the immutability check here sees the
// final status.
func (s *Service) SaveContent(ctx context.Context, documentID string, payload json.RawMessage, actor string) (DocumentView, error) {
	release, err := s.lockLineageFor(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if lifecycle.Status(doc.Status).Immutable() {
		return DocumentView{}, domainError(http.StatusConflict, "DOCUMENT_IMMUTABLE", "issued versions cannot be edited; create a new version", nil)
	}
	if _, err := parseContent(payload); err != nil {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	if _, err := s.content.SaveContent(doc.LineageID, doc.VersionNumber, payload, actor, "Update content"); err != nil {
		return DocumentView{}, fmt.Errorf("save content: %w", err)
	}
	if err := s.store.TouchDocument(ctx, doc.ID, actor); err != nil {
		return DocumentView{}, err
	}

	s.recordAudit("content.saved", doc.ID, doc.LineageID, actor, nil)

	updated, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	return toDocumentView(updated), nil
}

// ContentHistory lists a version's content commits, newest first.
func (s *Service) ContentHistory(ctx context.Context, documentID string, limit int) ([]contentrepo.CommitInfo, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.content.History(doc.LineageID, doc.VersionNumber, limit)
}

// GetReadiness runs the advisory readiness check. The same evaluation runs
// authoritatively inside Issue.
func (s *Service) GetReadiness(ctx context.Context, documentID string) (readiness.Result, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return readiness.Result{}, err
	}
	return s.evaluateReadiness(doc)
}

func (s *Service) evaluateReadiness(doc store.Document) (readiness.Result, error) {
	frameworks, err := readiness.Lookup(doc.Frameworks)
	if err != nil {
		return readiness.Result{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_FRAMEWORK", err.Error(), nil)
	}
	raw, err := s.content.LoadContent(doc.LineageID, doc.VersionNumber)
	if err != nil {
		return readiness.Result{}, fmt.Errorf("load content: %w", err)
	}
	payload, err := parseContent(raw)
	if err != nil {
		return readiness.Result{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return readiness.Evaluate(frameworks, projectReadiness(payload)), nil
}

// RequestApproval moves DRAFT to PENDING_APPROVAL.
func (s *Service) RequestApproval(ctx context.Context, documentID, actor string) (DocumentView, error) {
	return s.transition(ctx, documentID, lifecycle.StatusPendingApproval, actor, "approval.requested", nil)
}

// Decide resolves a pending approval: forward to APPROVED or back to DRAFT.
func (s *Service) Decide(ctx context.Context, documentID string, input DecisionInput, actor string) (DocumentView, error) {
	target := lifecycle.StatusApproved
	event := "approval.granted"
	if !input.Approve {
		target = lifecycle.StatusDraft
		event = "approval.rejected"
	}
	var payload map[string]any
	if input.Note != "" {
		payload = map[string]any{"note": input.Note}
	}
	return s.transition(ctx, documentID, target, actor, event, payload)
}

// Recall withdraws an APPROVED version back to DRAFT before issuance.
func (s *Service) Recall(ctx context.Context, documentID, actor string) (DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	if lifecycle.Status(doc.Status) != lifecycle.StatusApproved {
		return DocumentView{}, invalidTransition(lifecycle.Status(doc.Status), lifecycle.StatusDraft)
	}
	return s.transition(ctx, documentID, lifecycle.StatusDraft, actor, "approval.recalled", nil)
}

func (s *Service) transition(ctx context.Context, documentID string, target lifecycle.Status, actor, event string, payload map[string]any) (DocumentView, error) {
	release, err := s.lockLineageFor(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	current := lifecycle.Status(doc.Status)
	if _, err := current.Transition(target); err != nil {
		return DocumentView{}, invalidTransition(current, target)
	}

	updated, err := s.store.UpdateDocumentStatus(ctx, doc.ID, string(current), string(target), actor)
	if err != nil {
		return DocumentView{}, err
	}
	if !updated {
		return DocumentView{}, concurrentModification()
	}

	s.recordAudit(event, doc.ID, doc.LineageID, actor, payload)

	fresh, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	s.indexDocument(fresh)
	return toDocumentView(fresh), nil
}

// Issue finalizes a version: the authoritative readiness gate, reference
// sealing, change summary, artifact lock and supersession of the prior issue,
// all committed atomically. A failure at any point leaves the document
// unissued with no partial effects.
func (s *Service) Issue(ctx context.Context, documentID, actor string) (DocumentView, error) {
	release, err := s.lockLineageFor(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	current := lifecycle.Status(doc.Status)
	if !current.CanIssue(doc.RequiresApproval) {
		return DocumentView{}, invalidTransition(current, lifecycle.StatusIssued)
	}

	result, err := s.evaluateReadiness(doc)
	if err != nil {
		return DocumentView{}, err
	}
	if !result.Eligible {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "NOT_ELIGIBLE", "issuance preconditions are not met", map[string]any{"blockers": result.Blockers})
	}

	items, err := s.store.ListDocumentItems(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}

	// Assign reference numbers to items that never had one. The grants only
	// become durable inside the issuance transaction; the lineage lock keeps
	// the counter read consistent until then.
	nextOrdinal, err := s.store.NextReferenceOrdinal(ctx, doc.LineageID)
	if err != nil {
		return DocumentView{}, err
	}
	var assignments []store.ReferenceAssignment
	for i := range items {
		if items[i].Reference != "" {
			continue
		}
		items[i].Reference = fmt.Sprintf("A-%d", nextOrdinal)
		assignments = append(assignments, store.ReferenceAssignment{ItemID: items[i].ID, Reference: items[i].Reference})
		nextOrdinal++
	}

	issuedAt := time.Now().UTC()

	prior, err := s.store.GetCurrentIssued(ctx, doc.LineageID)
	if err != nil {
		return DocumentView{}, err
	}
	var summary *store.ChangeSummary
	var renderedSummary string
	priorIssuedID := ""
	if prior != nil {
		priorIssuedID = prior.ID
		priorItems, err := s.store.ListDocumentItems(ctx, prior.ID)
		if err != nil {
			return DocumentView{}, err
		}
		delta := changes.Diff(doc.VersionNumber, prior.VersionNumber, toChangeViews(priorItems), toChangeViews(items))
		renderedSummary = changes.Render(delta)
		deltaJSON, err := json.Marshal(delta)
		if err != nil {
			return DocumentView{}, fmt.Errorf("encode change delta: %w", err)
		}
		summary = &store.ChangeSummary{
			DocumentID:         doc.ID,
			PreviousDocumentID: prior.ID,
			NewCount:           len(delta.New),
			ClosedCount:        len(delta.Closed),
			ReopenedCount:      len(delta.Reopened),
			OutstandingCount:   len(delta.Outstanding),
			MaterialChange:     delta.MaterialChange,
			DeltaJSON:          string(deltaJSON),
			Rendered:           renderedSummary,
			GeneratedAt:        issuedAt,
		}
	}

	record, err := s.renderAndLock(ctx, doc, items, renderedSummary, actor, issuedAt)
	if err != nil {
		return DocumentView{}, err
	}

	err = s.store.FinalizeIssue(ctx, store.FinalizeIssueParams{
		DocumentID:           doc.ID,
		LineageID:            doc.LineageID,
		FromStatus:           string(current),
		Actor:                actor,
		IssuedAt:             issuedAt,
		ReferenceAssignments: assignments,
		NextReference:        nextOrdinal,
		PriorIssuedID:        priorIssuedID,
		Summary:              summary,
		Artifact: store.LockedArtifact{
			DocumentID:  doc.ID,
			ContentHash: record.ContentHash,
			StorageRef:  record.StorageRef,
			SizeBytes:   record.SizeBytes,
			GeneratedAt: record.GeneratedAt,
		},
	})
	if err == store.ErrStaleStatus {
		return DocumentView{}, concurrentModification()
	}
	if err != nil {
		return DocumentView{}, err
	}

	s.recordAudit("document.issued", doc.ID, doc.LineageID, actor, map[string]any{
		"versionNumber": doc.VersionNumber,
		"contentHash":   record.ContentHash,
	})
	if priorIssuedID != "" {
		s.recordAudit("document.superseded", priorIssuedID, doc.LineageID, actor, map[string]any{
			"supersededByVersionId": doc.ID,
		})
	}

	issued, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, err
	}
	s.indexDocument(issued)
	for _, item := range items {
		s.indexItem(item)
	}
	return toDocumentView(issued), nil
}

// renderAndLock produces the version's single rendered PDF and writes the
// blob. Content-addressed storage makes the write idempotent, so a later
// transaction failure leaves at worst an unreferenced blob.
func (s *Service) renderAndLock(ctx context.Context, doc store.Document, items []store.Item, renderedSummary, actor string, issuedAt time.Time) (artifact.Record, error) {
	frameworks, err := readiness.Lookup(doc.Frameworks)
	if err != nil {
		return artifact.Record{}, err
	}
	raw, err := s.content.LoadContent(doc.LineageID, doc.VersionNumber)
	if err != nil {
		return artifact.Record{}, fmt.Errorf("load content: %w", err)
	}
	payload, err := parseContent(raw)
	if err != nil {
		return artifact.Record{}, err
	}

	report := render.Report{
		Title:         doc.Title,
		SiteName:      doc.SiteName,
		VersionNumber: doc.VersionNumber,
		Frameworks:    doc.Frameworks,
		IssuedBy:      actor,
		IssuedAt:      issuedAt,
		Sections:      projectSections(frameworks, payload),
		ChangeSummary: renderedSummary,
	}
	for _, item := range items {
		report.Actions = append(report.Actions, render.Action{
			Reference:            item.Reference,
			Title:                item.Title,
			SectionKey:           item.SectionKey,
			Priority:             item.Priority,
			Status:               item.Status,
			FirstRaisedInVersion: item.FirstRaisedInVersion,
		})
	}

	html, err := render.BuildHTML(report)
	if err != nil {
		return artifact.Record{}, fmt.Errorf("render report html: %w", err)
	}
	pdf, err := s.renderPDF(ctx, html, doc.Title)
	if err != nil {
		return artifact.Record{}, fmt.Errorf("render report pdf: %w", err)
	}
	record, err := s.artifacts.Prepare(ctx, pdf.Data)
	if err != nil {
		return artifact.Record{}, fmt.Errorf("store artifact: %w", err)
	}
	return record, nil
}

// CreateNextVersion opens the chain's next draft from its current issued tip,
// carrying forward unresolved actions and the content payload verbatim.
func (s *Service) CreateNextVersion(ctx context.Context, documentID, actor string) (DocumentView, error) {
	release, err := s.lockLineageFor(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	defer release()

	source, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	switch lifecycle.Status(source.Status) {
	case lifecycle.StatusIssued:
	case lifecycle.StatusSuperseded:
		return DocumentView{}, domainError(http.StatusConflict, "CHAIN_NOT_AT_TIP", "a newer issued version exists; branch from the current issue", nil)
	default:
		return DocumentView{}, domainError(http.StatusConflict, "NOT_ISSUED", "only an issued version can seed the next version", nil)
	}

	if open, err := s.store.GetOpenDocument(ctx, source.LineageID); err != nil {
		return DocumentView{}, err
	} else if open != nil {
		return DocumentView{}, domainError(http.StatusConflict, "CHAIN_NOT_AT_TIP", "the lineage already has an open version", map[string]any{"openVersionId": open.ID})
	}

	next := store.Document{
		ID:               util.NewID("doc"),
		LineageID:        source.LineageID,
		VersionNumber:    source.VersionNumber + 1,
		Title:            source.Title,
		SiteName:         source.SiteName,
		Frameworks:       source.Frameworks,
		Status:           string(lifecycle.StatusDraft),
		RequiresApproval: source.RequiresApproval,
		CreatedBy:        actor,
	}

	sourceItems, err := s.store.ListDocumentItems(ctx, source.ID)
	if err != nil {
		return DocumentView{}, err
	}
	var clones []store.Item
	for _, item := range sourceItems {
		if !lifecycle.ItemStatus(item.Status).CarriesForward() {
			continue
		}
		origin := item.ID
		clones = append(clones, store.Item{
			ID:                   util.NewID("act"),
			LineageID:            item.LineageID,
			DocumentID:           next.ID,
			Reference:            item.Reference,
			Title:                item.Title,
			Detail:               item.Detail,
			SectionKey:           item.SectionKey,
			Priority:             item.Priority,
			Status:               item.Status,
			FirstRaisedInVersion: item.FirstRaisedInVersion,
			CarriedFromItemID:    &origin,
			CreatedBy:            actor,
		})
	}

	err = s.store.CreateNextVersion(ctx, store.CreateVersionParams{
		SourceDocumentID: source.ID,
		Document:         next,
		Items:            clones,
	})
	if err == store.ErrChainNotAtTip {
		return DocumentView{}, domainError(http.StatusConflict, "CHAIN_NOT_AT_TIP", "the lineage already has an open version", nil)
	}
	if err == store.ErrStaleStatus {
		return DocumentView{}, concurrentModification()
	}
	if err != nil {
		return DocumentView{}, err
	}

	if err := s.content.ForkVersion(source.LineageID, source.VersionNumber, next.VersionNumber); err != nil {
		return DocumentView{}, fmt.Errorf("fork content: %w", err)
	}

	s.recordAudit("version.created", next.ID, next.LineageID, actor, map[string]any{
		"versionNumber":   next.VersionNumber,
		"sourceVersionId": source.ID,
		"carriedActions":  len(clones),
	})

	created, err := s.store.GetDocument(ctx, next.ID)
	if err != nil {
		return DocumentView{}, err
	}
	s.indexDocument(created)
	return toDocumentView(created), nil
}

// GetChangeSummary serves the summary stored at issuance. It is generated
// exactly once; this never recomputes.
func (s *Service) GetChangeSummary(ctx context.Context, documentID string) (ChangeSummaryView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return ChangeSummaryView{}, err
	}
	if !lifecycle.Status(doc.Status).Immutable() {
		return ChangeSummaryView{}, domainError(http.StatusConflict, "NOT_ISSUED", "change summaries exist only for issued versions", nil)
	}
	summary, err := s.store.GetChangeSummary(ctx, doc.ID)
	if err != nil {
		return ChangeSummaryView{}, err
	}
	if summary == nil {
		return ChangeSummaryView{}, domainError(http.StatusNotFound, "NOT_FOUND", "this version has no predecessor, so no change summary", nil)
	}

	var delta changes.Delta
	if err := json.Unmarshal([]byte(summary.DeltaJSON), &delta); err != nil {
		return ChangeSummaryView{}, fmt.Errorf("decode stored delta: %w", err)
	}
	return ChangeSummaryView{
		DocumentID:         summary.DocumentID,
		PreviousDocumentID: summary.PreviousDocumentID,
		MaterialChange:     summary.MaterialChange,
		Delta:              delta,
		Rendered:           summary.Rendered,
		GeneratedAt:        summary.GeneratedAt,
	}, nil
}

// FetchArtifact returns the locked PDF for an issued version, verifying the
// stored content hash. It never re-renders: a missing or corrupted artifact is
// an integrity failure, reported loudly.
func (s *Service) FetchArtifact(ctx context.Context, documentID string) (ArtifactView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return ArtifactView{}, err
	}
	if !lifecycle.Status(doc.Status).Immutable() {
		return ArtifactView{}, domainError(http.StatusConflict, "NOT_ISSUED", "only issued versions have a locked artifact", nil)
	}

	record, err := s.store.GetLockedArtifact(ctx, doc.ID)
	if err != nil {
		return ArtifactView{}, err
	}
	if record == nil {
		s.recordAudit("artifact.integrity_failure", doc.ID, doc.LineageID, "system", map[string]any{"reason": "missing locked artifact record"})
		return ArtifactView{}, domainError(http.StatusInternalServerError, "MISSING_LOCKED_ARTIFACT", "issued version has no locked artifact", nil)
	}

	data, err := s.artifacts.Fetch(ctx, artifact.Record{
		ContentHash: record.ContentHash,
		StorageRef:  record.StorageRef,
		SizeBytes:   record.SizeBytes,
		GeneratedAt: record.GeneratedAt,
	})
	if err != nil {
		s.recordAudit("artifact.integrity_failure", doc.ID, doc.LineageID, "system", map[string]any{"reason": err.Error()})
		if err == artifact.ErrIntegrity {
			return ArtifactView{}, domainError(http.StatusInternalServerError, "ARTIFACT_INTEGRITY", "locked artifact bytes do not match the recorded hash", nil)
		}
		return ArtifactView{}, domainError(http.StatusInternalServerError, "MISSING_LOCKED_ARTIFACT", "locked artifact could not be retrieved", nil)
	}

	return ArtifactView{
		Data:        data,
		ContentHash: record.ContentHash,
		Filename:    fmt.Sprintf("%s-v%d.pdf", doc.Title, doc.VersionNumber),
		MimeType:    "application/pdf",
	}, nil
}

func (s *Service) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, documentID, limit)
}

// lockLineageFor resolves the document's lineage and takes its lock.
func (s *Service) lockLineageFor(ctx context.Context, documentID string) (func(), error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, doc.LineageID)
	if err == lineagelock.ErrBusy {
		return nil, concurrentModification()
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// lockLineageForAction resolves the action's lineage and takes its lock.
func (s *Service) lockLineageForAction(ctx context.Context, actionID string) (func(), error) {
	item, err := s.store.GetItem(ctx, actionID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, item.LineageID)
	if err == lineagelock.ErrBusy {
		return nil, concurrentModification()
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:            doc.ID,
		Title:         doc.Title,
		SiteName:      doc.SiteName,
		LineageID:     doc.LineageID,
		VersionNumber: doc.VersionNumber,
		Status:        doc.Status,
	})
}

func (s *Service) indexItem(item store.Item) {
	if s.search == nil {
		return
	}
	s.search.IndexAction(search.ActionRecord{
		ID:         item.ID,
		Reference:  item.Reference,
		Title:      item.Title,
		Detail:     item.Detail,
		DocumentID: item.DocumentID,
		LineageID:  item.LineageID,
		Status:     item.Status,
		SectionKey: item.SectionKey,
	})
}

func (s *Service) recordAudit(eventType, documentID, lineageID, actor string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(eventType, documentID, lineageID, actor, payload)
}

func invalidTransition(from, to lifecycle.Status) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("cannot move from %s to %s", from, to), nil)
}

func concurrentModification() *DomainError {
	return domainError(http.StatusConflict, "CONCURRENT_MODIFICATION",
		"the document changed underneath this request; retry", nil)
}

func toDocumentView(doc store.Document) DocumentView {
	frameworks := doc.Frameworks
	if frameworks == nil {
		frameworks = []string{}
	}
	return DocumentView{
		ID:                    doc.ID,
		LineageID:             doc.LineageID,
		VersionNumber:         doc.VersionNumber,
		Title:                 doc.Title,
		SiteName:              doc.SiteName,
		Frameworks:            frameworks,
		Status:                doc.Status,
		RequiresApproval:      doc.RequiresApproval,
		CreatedBy:             doc.CreatedBy,
		CreatedAt:             doc.CreatedAt,
		UpdatedBy:             doc.UpdatedBy,
		UpdatedAt:             doc.UpdatedAt,
		IssuedBy:              doc.IssuedBy,
		IssuedAt:              doc.IssuedAt,
		SupersededByVersionID: doc.SupersededByVersionID,
		SupersedesVersionID:   doc.SupersedesVersionID,
	}
}

func toChangeViews(items []store.Item) []changes.ItemView {
	views := make([]changes.ItemView, 0, len(items))
	for _, item := range items {
		status := lifecycle.ItemStatus(item.Status)
		if status == lifecycle.ItemSuperseded {
			// Superseded rows are bookkeeping, not register entries.
			continue
		}
		views = append(views, changes.ItemView{
			Reference:            item.Reference,
			Title:                item.Title,
			Status:               status,
			FirstRaisedInVersion: item.FirstRaisedInVersion,
		})
	}
	return views
}
