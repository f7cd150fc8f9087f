package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"firemark/api/internal/artifact"
	"firemark/api/internal/changes"
	"firemark/api/internal/config"
	"firemark/api/internal/contentrepo"
	"firemark/api/internal/lifecycle"
	"firemark/api/internal/lineagelock"
	"firemark/api/internal/render"
	"firemark/api/internal/store"
)

// memStore is an in-memory dataStore with the same guard semantics as the
// Postgres implementation. finalizeIssueFn lets a test inject a failure in
// place of the issuance transaction.
type memStore struct {
	mu              sync.Mutex
	seq             int
	documents       map[string]store.Document
	items           map[string]store.Item
	itemOrder       []string
	counters        map[string]int
	summaries       map[string]store.ChangeSummary
	artifacts       map[string]store.LockedArtifact
	finalizeIssueFn func(context.Context, store.FinalizeIssueParams) error
}

func newMemStore() *memStore {
	return &memStore{
		documents: make(map[string]store.Document),
		items:     make(map[string]store.Item),
		counters:  make(map[string]int),
		summaries: make(map[string]store.ChangeSummary),
		artifacts: make(map[string]store.LockedArtifact),
	}
}

func (m *memStore) now() time.Time {
	m.seq++
	return time.Unix(1700000000, int64(m.seq)*int64(time.Millisecond)).UTC()
}

func (m *memStore) InsertDocument(_ context.Context, doc store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.UpdatedBy = doc.CreatedBy
	m.documents[doc.ID] = doc
	return nil
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) ListDocuments(_ context.Context) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]store.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *memStore) ListLineageDocuments(_ context.Context, lineageID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]store.Document, 0)
	for _, doc := range m.documents {
		if doc.LineageID == lineageID {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].VersionNumber < docs[j].VersionNumber })
	return docs, nil
}

func (m *memStore) GetOpenDocument(_ context.Context, lineageID string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.documents {
		if doc.LineageID == lineageID && lifecycle.Status(doc.Status).Open() {
			open := doc
			return &open, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetCurrentIssued(_ context.Context, lineageID string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *store.Document
	for _, doc := range m.documents {
		if doc.LineageID != lineageID || doc.Status != string(lifecycle.StatusIssued) {
			continue
		}
		if current == nil || doc.VersionNumber > current.VersionNumber {
			issued := doc
			current = &issued
		}
	}
	return current, nil
}

func (m *memStore) UpdateDocumentStatus(_ context.Context, documentID, fromStatus, toStatus, actor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok || doc.Status != fromStatus {
		return false, nil
	}
	doc.Status = toStatus
	doc.UpdatedBy = actor
	doc.UpdatedAt = m.now()
	m.documents[documentID] = doc
	return true, nil
}

func (m *memStore) TouchDocument(_ context.Context, documentID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.UpdatedBy = actor
	doc.UpdatedAt = m.now()
	m.documents[documentID] = doc
	return nil
}

func (m *memStore) NextReferenceOrdinal(_ context.Context, lineageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.counters[lineageID]
	if !ok {
		return 1, nil
	}
	return next, nil
}

func (m *memStore) InsertItem(_ context.Context, item store.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = item
	m.itemOrder = append(m.itemOrder, item.ID)
	return nil
}

func (m *memStore) GetItem(_ context.Context, itemID string) (store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return store.Item{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) ListDocumentItems(_ context.Context, documentID string) ([]store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Item, 0)
	for _, id := range m.itemOrder {
		if item := m.items[id]; item.DocumentID == documentID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *memStore) ListLineageItems(_ context.Context, lineageID string) ([]store.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Item, 0)
	for _, id := range m.itemOrder {
		if item := m.items[id]; item.LineageID == lineageID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *memStore) UpdateItemStatus(_ context.Context, itemID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return false, nil
	}
	item.Status = status
	item.UpdatedAt = m.now()
	m.items[itemID] = item
	return true, nil
}

func (m *memStore) MarkItemSuperseded(_ context.Context, itemID, replacementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return false, nil
	}
	if item.SupersededByItemID != nil && *item.SupersededByItemID != replacementID {
		return false, nil
	}
	item.Status = string(lifecycle.ItemSuperseded)
	item.SupersededByItemID = &replacementID
	item.UpdatedAt = m.now()
	m.items[itemID] = item
	return true, nil
}

func (m *memStore) FinalizeIssue(ctx context.Context, params store.FinalizeIssueParams) error {
	if m.finalizeIssueFn != nil {
		return m.finalizeIssueFn(ctx, params)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[params.DocumentID]
	if !ok || doc.Status != params.FromStatus {
		return store.ErrStaleStatus
	}
	doc.Status = string(lifecycle.StatusIssued)
	doc.IssuedBy = params.Actor
	issuedAt := params.IssuedAt
	doc.IssuedAt = &issuedAt
	doc.UpdatedBy = params.Actor
	doc.UpdatedAt = params.IssuedAt

	for _, assignment := range params.ReferenceAssignments {
		item, ok := m.items[assignment.ItemID]
		if !ok || item.Reference != "" {
			return store.ErrStaleStatus
		}
		item.Reference = assignment.Reference
		m.items[assignment.ItemID] = item
	}
	if params.NextReference > m.counters[params.LineageID] {
		m.counters[params.LineageID] = params.NextReference
	}
	if params.Summary != nil {
		m.summaries[params.DocumentID] = *params.Summary
	}
	m.artifacts[params.DocumentID] = params.Artifact

	if params.PriorIssuedID != "" {
		prior, ok := m.documents[params.PriorIssuedID]
		if !ok || prior.Status != string(lifecycle.StatusIssued) {
			return store.ErrStaleStatus
		}
		prior.Status = string(lifecycle.StatusSuperseded)
		supersededBy := params.DocumentID
		prior.SupersededByVersionID = &supersededBy
		m.documents[params.PriorIssuedID] = prior
		supersedes := params.PriorIssuedID
		doc.SupersedesVersionID = &supersedes
	}

	m.documents[params.DocumentID] = doc
	return nil
}

func (m *memStore) CreateNextVersion(_ context.Context, params store.CreateVersionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	source, ok := m.documents[params.SourceDocumentID]
	if !ok || source.Status != string(lifecycle.StatusIssued) {
		return store.ErrStaleStatus
	}
	for _, doc := range m.documents {
		if doc.LineageID != params.Document.LineageID {
			continue
		}
		if lifecycle.Status(doc.Status).Open() || doc.VersionNumber >= params.Document.VersionNumber {
			return store.ErrChainNotAtTip
		}
	}

	doc := params.Document
	now := m.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.UpdatedBy = doc.CreatedBy
	m.documents[doc.ID] = doc
	for _, item := range params.Items {
		item.CreatedAt = now
		item.UpdatedAt = now
		m.items[item.ID] = item
		m.itemOrder = append(m.itemOrder, item.ID)
	}
	return nil
}

func (m *memStore) GetChangeSummary(_ context.Context, documentID string) (*store.ChangeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.summaries[documentID]
	if !ok {
		return nil, nil
	}
	copied := summary
	return &copied, nil
}

func (m *memStore) GetLockedArtifact(_ context.Context, documentID string) (*store.LockedArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.artifacts[documentID]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}

func (m *memStore) ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error) {
	return nil, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// fakeContent is an in-memory contentStore keyed by lineage and version.
type fakeContent struct {
	mu       sync.Mutex
	payloads map[string]json.RawMessage
}

func newFakeContent() *fakeContent {
	return &fakeContent{payloads: make(map[string]json.RawMessage)}
}

func (f *fakeContent) key(lineageID string, version int) string {
	return fmt.Sprintf("%s/v%d", lineageID, version)
}

func (f *fakeContent) EnsureLineageRepo(lineageID string, initial json.RawMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(lineageID, 1)
	if _, ok := f.payloads[key]; !ok {
		f.payloads[key] = initial
	}
	return nil
}

func (f *fakeContent) SaveContent(lineageID string, version int, payload json.RawMessage, _, _ string) (contentrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[f.key(lineageID, version)] = payload
	return contentrepo.CommitInfo{Hash: "abc1234"}, nil
}

func (f *fakeContent) LoadContent(lineageID string, version int) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.payloads[f.key(lineageID, version)]
	if !ok {
		return nil, fmt.Errorf("no content for %s v%d", lineageID, version)
	}
	return payload, nil
}

func (f *fakeContent) ForkVersion(lineageID string, fromVersion, toVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.key(lineageID, toVersion)
	if _, ok := f.payloads[target]; ok {
		return nil
	}
	source, ok := f.payloads[f.key(lineageID, fromVersion)]
	if !ok {
		return fmt.Errorf("no content for %s v%d", lineageID, fromVersion)
	}
	f.payloads[target] = source
	return nil
}

func (f *fakeContent) History(string, int, int) ([]contentrepo.CommitInfo, error) {
	return []contentrepo.CommitInfo{{Hash: "abc1234", Message: "Update content"}}, nil
}

type capturedEvent struct {
	EventType  string
	DocumentID string
	Actor      string
}

type fakeAudit struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakeAudit) Record(eventType, documentID, _, actor string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{EventType: eventType, DocumentID: documentID, Actor: actor})
}

func (f *fakeAudit) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range f.events {
		if event.EventType == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc     *Service
	store   *memStore
	content *fakeContent
	audit   *fakeAudit
	blobs   *artifact.FSStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	memStore := newMemStore()
	content := newFakeContent()
	auditSink := &fakeAudit{}
	svc := New(config.Config{}, memStore, content, lineagelock.NewLocal(), artifact.NewLocker(blobs), nil, auditSink)
	svc.renderPDF = func(_ context.Context, html, title string) (*render.Result, error) {
		return &render.Result{Data: []byte("PDF:" + title + ":" + html), Filename: title + ".pdf", MimeType: "application/pdf"}, nil
	}
	return &testEnv{svc: svc, store: memStore, content: content, audit: auditSink, blobs: blobs}
}

func completeFireRiskContent() json.RawMessage {
	sections := map[string]any{}
	for _, key := range []string{"premises", "hazards", "persons_at_risk", "evaluation", "significant_findings", "emergency_plan", "maintenance"} {
		section := map[string]any{"complete": true, "fields": map[string]string{}}
		switch key {
		case "premises":
			section["fields"] = map[string]string{"responsible_person": "Dana Whitfield"}
		case "evaluation":
			section["fields"] = map[string]string{"risk_rating": "TOLERABLE"}
		}
		sections[key] = section
	}
	payload, _ := json.Marshal(map[string]any{"sections": sections})
	return payload
}

func createDraft(t *testing.T, env *testEnv, requiresApproval bool) DocumentView {
	t.Helper()
	doc, err := env.svc.CreateDocument(context.Background(), CreateDocumentInput{
		Title:            "Harbour View Hotel FRA",
		SiteName:         "Harbour View Hotel",
		Frameworks:       []string{"fire_risk"},
		RequiresApproval: requiresApproval,
		Content:          completeFireRiskContent(),
	}, "Alex Carter")
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func approve(t *testing.T, env *testEnv, documentID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.svc.RequestApproval(ctx, documentID, "Alex Carter"); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if _, err := env.svc.Decide(ctx, documentID, DecisionInput{Approve: true}, "Sam Reeves"); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateDocumentStartsLineageAtDraft(t *testing.T) {
	env := newTestEnv(t)
	doc := createDraft(t, env, true)

	if doc.VersionNumber != 1 || doc.Status != string(lifecycle.StatusDraft) {
		t.Fatalf("expected v1 DRAFT, got v%d %s", doc.VersionNumber, doc.Status)
	}
	if doc.LineageID == "" || doc.ID == doc.LineageID {
		t.Fatalf("expected distinct lineage id, got %q", doc.LineageID)
	}
	if _, err := env.content.LoadContent(doc.LineageID, 1); err != nil {
		t.Fatalf("expected content repo to be initialised: %v", err)
	}
	if !env.audit.has("document.created") {
		t.Fatal("expected document.created audit event")
	}
}

func TestCreateDocumentRejectsUnknownFramework(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Report",
		Frameworks: []string{"asbestos"},
	}, "Alex Carter")
	if code := domainCode(t, err); code != "UNKNOWN_FRAMEWORK" {
		t.Fatalf("expected UNKNOWN_FRAMEWORK, got %s", code)
	}
}

func TestIssueRequiresApprovedStatusWhenApprovalRequired(t *testing.T) {
	env := newTestEnv(t)
	doc := createDraft(t, env, true)

	_, err := env.svc.Issue(context.Background(), doc.ID, "Alex Carter")
	if code := domainCode(t, err); code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION from DRAFT, got %s", code)
	}
}

func TestIssueStraightFromDraftWhenApprovalNotRequired(t *testing.T) {
	env := newTestEnv(t)
	doc := createDraft(t, env, false)

	issued, err := env.svc.Issue(context.Background(), doc.ID, "Alex Carter")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Status != string(lifecycle.StatusIssued) || issued.IssuedAt == nil {
		t.Fatalf("expected issued document, got %+v", issued)
	}
}

func TestIssueBlockedWhenNotReady(t *testing.T) {
	env := newTestEnv(t)
	doc := createDraft(t, env, true)
	approve(t, env, doc.ID)

	// Hollow out a required section on the open version.
	partial, _ := json.Marshal(map[string]any{"sections": map[string]any{
		"premises": map[string]any{"complete": true, "fields": map[string]string{"responsible_person": "Dana Whitfield"}},
	}})
	if _, err := env.content.SaveContent(doc.LineageID, 1, partial, "Alex Carter", "thin it out"); err != nil {
		t.Fatalf("save content: %v", err)
	}

	_, err := env.svc.Issue(context.Background(), doc.ID, "Alex Carter")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_ELIGIBLE" {
		t.Fatalf("expected NOT_ELIGIBLE, got %v", err)
	}
	if domainErr.Details == nil {
		t.Fatal("expected blockers in error details")
	}

	fresh, _ := env.svc.GetDocument(context.Background(), doc.ID)
	if fresh.Status != string(lifecycle.StatusApproved) {
		t.Fatalf("failed issue must leave status untouched, got %s", fresh.Status)
	}
}

func TestIssueAssignsReferencesInCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, true)

	first, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fit self-closer to kitchen door", SectionKey: "hazards", Priority: "HIGH"}, "Alex Carter")
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	second, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Update evacuation signage", SectionKey: "emergency_plan"}, "Alex Carter")
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if first.Reference != "" || second.Reference != "" {
		t.Fatal("references must not exist before issuance")
	}

	approve(t, env, doc.ID)
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	got1, _ := env.svc.GetAction(ctx, first.ID)
	got2, _ := env.svc.GetAction(ctx, second.ID)
	if got1.Reference != "A-1" || got2.Reference != "A-2" {
		t.Fatalf("expected A-1/A-2, got %q/%q", got1.Reference, got2.Reference)
	}

	record, err := env.store.GetLockedArtifact(ctx, doc.ID)
	if err != nil || record == nil {
		t.Fatalf("expected locked artifact record, got %v %v", record, err)
	}

	// First issue of a lineage has no predecessor, so no summary.
	_, err = env.svc.GetChangeSummary(ctx, doc.ID)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for v1 summary, got %s", code)
	}
}

func TestIssuedVersionIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	action, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Test emergency lighting"}, "Alex Carter")
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := env.svc.SaveContent(ctx, doc.ID, completeFireRiskContent(), "Alex Carter"); domainCode(t, err) != "DOCUMENT_IMMUTABLE" {
		t.Fatalf("expected DOCUMENT_IMMUTABLE on content edit, got %v", err)
	}
	if _, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Another"}, "Alex Carter"); domainCode(t, err) != "DOCUMENT_IMMUTABLE" {
		t.Fatalf("expected DOCUMENT_IMMUTABLE on new action, got %v", err)
	}
	if _, err := env.svc.UpdateActionStatus(ctx, action.ID, string(lifecycle.ItemClosed), "Alex Carter"); domainCode(t, err) != "DOCUMENT_IMMUTABLE" {
		t.Fatalf("expected DOCUMENT_IMMUTABLE on action status, got %v", err)
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); domainCode(t, err) != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION on re-issue, got %v", err)
	}
}

func TestCreateNextVersionCarriesForwardUnresolvedActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)

	open, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fix final exit door", SectionKey: "hazards", Priority: "HIGH"}, "Alex Carter")
	closed, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Clear storage from stairwell"}, "Alex Carter")
	if _, err := env.svc.UpdateActionStatus(ctx, closed.ID, string(lifecycle.ItemClosed), "Alex Carter"); err != nil {
		t.Fatalf("close action: %v", err)
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue v1: %v", err)
	}

	next, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter")
	if err != nil {
		t.Fatalf("create next version: %v", err)
	}
	if next.VersionNumber != 2 || next.Status != string(lifecycle.StatusDraft) {
		t.Fatalf("expected v2 DRAFT, got v%d %s", next.VersionNumber, next.Status)
	}

	carried, err := env.svc.ListActions(ctx, next.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(carried) != 1 {
		t.Fatalf("expected only the unresolved action to carry forward, got %d", len(carried))
	}
	clone := carried[0]
	openIssued, _ := env.svc.GetAction(ctx, open.ID)
	if clone.Reference != openIssued.Reference {
		t.Fatalf("carry-forward must keep the reference, got %q want %q", clone.Reference, openIssued.Reference)
	}
	if clone.FirstRaisedInVersion != 1 {
		t.Fatalf("carry-forward must keep firstRaisedInVersion=1, got %d", clone.FirstRaisedInVersion)
	}
	if clone.CarriedFromActionID == nil || *clone.CarriedFromActionID != open.ID {
		t.Fatalf("expected carriedFrom pointer to %s", open.ID)
	}

	// Content forked verbatim.
	v1, _ := env.content.LoadContent(doc.LineageID, 1)
	v2, _ := env.content.LoadContent(doc.LineageID, 2)
	if string(v1) != string(v2) {
		t.Fatal("expected v2 content to start as a byte copy of v1")
	}
}

func TestCreateNextVersionGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)

	if _, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter"); domainCode(t, err) != "NOT_ISSUED" {
		t.Fatalf("expected NOT_ISSUED from draft, got %v", err)
	}

	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("first next version: %v", err)
	}
	if _, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter"); domainCode(t, err) != "CHAIN_NOT_AT_TIP" {
		t.Fatalf("expected CHAIN_NOT_AT_TIP with an open draft, got %v", err)
	}
}

func TestSecondIssueGeneratesChangeSummaryOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)

	a1, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fix final exit door"}, "Alex Carter")
	if _, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Service dry riser"}, "Alex Carter"); err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue v1: %v", err)
	}

	next, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	carried, _ := env.svc.ListActions(ctx, next.ID)
	var carriedA1 ActionView
	for _, action := range carried {
		if action.CarriedFromActionID != nil && *action.CarriedFromActionID == a1.ID {
			carriedA1 = action
		}
	}
	if carriedA1.ID == "" {
		t.Fatalf("expected a clone of %s on v2", a1.ID)
	}
	if _, err := env.svc.UpdateActionStatus(ctx, carriedA1.ID, string(lifecycle.ItemClosed), "Alex Carter"); err != nil {
		t.Fatalf("close carried action: %v", err)
	}
	if _, err := env.svc.CreateAction(ctx, next.ID, CreateActionInput{Title: "Replace fire blanket"}, "Alex Carter"); err != nil {
		t.Fatalf("new action on v2: %v", err)
	}

	if _, err := env.svc.Issue(ctx, next.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue v2: %v", err)
	}

	summary, err := env.svc.GetChangeSummary(ctx, next.ID)
	if err != nil {
		t.Fatalf("get change summary: %v", err)
	}
	if !summary.MaterialChange {
		t.Fatal("closing and raising actions is a material change")
	}
	if len(summary.Delta.New) != 1 || len(summary.Delta.Closed) != 1 {
		t.Fatalf("expected 1 new / 1 closed, got %+v", summary.Delta)
	}
	if summary.Delta.New[0].Reference != "A-3" {
		t.Fatalf("new action on v2 should seal as A-3, got %q", summary.Delta.New[0].Reference)
	}
	if !strings.Contains(summary.Rendered, "Change summary: version 2 (previous issue: version 1)") {
		t.Fatalf("unexpected rendered header: %q", summary.Rendered)
	}

	again, err := env.svc.GetChangeSummary(ctx, next.ID)
	if err != nil {
		t.Fatalf("re-read summary: %v", err)
	}
	if again.Rendered != summary.Rendered {
		t.Fatal("stored summary must render byte-identical on every read")
	}

	prior, _ := env.svc.GetDocument(ctx, doc.ID)
	if prior.Status != string(lifecycle.StatusSuperseded) {
		t.Fatalf("issuing v2 must supersede v1, got %s", prior.Status)
	}
	if prior.SupersededByVersionID == nil || *prior.SupersededByVersionID != next.ID {
		t.Fatal("expected supersededBy pointer to v2")
	}
}

func TestCosmeticReissueIsNotMaterial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	if _, err := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fix final exit door"}, "Alex Carter"); err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue v1: %v", err)
	}
	next, err := env.svc.CreateNextVersion(ctx, doc.ID, "Alex Carter")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}

	// Only prose changes; the action set is untouched.
	if _, err := env.svc.SaveContent(ctx, next.ID, completeFireRiskContent(), "Alex Carter"); err != nil {
		t.Fatalf("save content: %v", err)
	}
	if _, err := env.svc.Issue(ctx, next.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue v2: %v", err)
	}

	summary, err := env.svc.GetChangeSummary(ctx, next.ID)
	if err != nil {
		t.Fatalf("get change summary: %v", err)
	}
	if summary.MaterialChange {
		t.Fatal("editorial-only revision must not be material")
	}
	if len(summary.Delta.Outstanding) != 1 {
		t.Fatalf("carried action should be outstanding, got %+v", summary.Delta)
	}
}

func TestFailedIssueLeavesNoPartialState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	action, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fix final exit door"}, "Alex Carter")

	env.store.finalizeIssueFn = func(context.Context, store.FinalizeIssueParams) error {
		return errors.New("connection reset")
	}
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err == nil {
		t.Fatal("expected issue to fail")
	}

	fresh, _ := env.svc.GetDocument(ctx, doc.ID)
	if fresh.Status != string(lifecycle.StatusDraft) {
		t.Fatalf("failed issue must leave status untouched, got %s", fresh.Status)
	}
	got, _ := env.svc.GetAction(ctx, action.ID)
	if got.Reference != "" {
		t.Fatalf("failed issue must not seal references, got %q", got.Reference)
	}
	if record, _ := env.store.GetLockedArtifact(ctx, doc.ID); record != nil {
		t.Fatal("failed issue must not record an artifact")
	}

	// Retry succeeds once the store recovers.
	env.store.finalizeIssueFn = nil
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("retry issue: %v", err)
	}
	got, _ = env.svc.GetAction(ctx, action.ID)
	if got.Reference != "A-1" {
		t.Fatalf("retry should seal A-1, got %q", got.Reference)
	}
}

func TestIssueExcludesConcurrentLineageMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	action, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Fix final exit door"}, "Alex Carter")

	// Fire mutations while Issue sits between its readiness gate and the
	// finalize transaction. The lineage lock must hold them until issuance
	// completes, at which point the version is immutable.
	saveErr := make(chan error, 1)
	statusErr := make(chan error, 1)
	env.store.finalizeIssueFn = func(fctx context.Context, params store.FinalizeIssueParams) error {
		env.store.finalizeIssueFn = nil
		go func() {
			_, err := env.svc.SaveContent(ctx, doc.ID, completeFireRiskContent(), "Alex Carter")
			saveErr <- err
		}()
		go func() {
			_, err := env.svc.UpdateActionStatus(ctx, action.ID, string(lifecycle.ItemClosed), "Alex Carter")
			statusErr <- err
		}()
		select {
		case <-saveErr:
			t.Error("content save interleaved with issuance")
		case <-statusErr:
			t.Error("action edit interleaved with issuance")
		case <-time.After(100 * time.Millisecond):
		}
		return env.store.FinalizeIssue(fctx, params)
	}

	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code := domainCode(t, <-saveErr); code != "DOCUMENT_IMMUTABLE" {
		t.Fatalf("held-back save must hit the issued version, got %s", code)
	}
	if code := domainCode(t, <-statusErr); code != "DOCUMENT_IMMUTABLE" {
		t.Fatalf("held-back action edit must hit the issued version, got %s", code)
	}

	// The issued snapshot still satisfies the gate it passed.
	issued, _ := env.svc.GetDocument(ctx, doc.ID)
	result, err := env.svc.GetReadiness(ctx, issued.ID)
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	if !result.Eligible {
		t.Fatalf("issued content must match what the gate approved: %+v", result.Blockers)
	}
}

func TestSupersedeActionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	original, _ := env.svc.CreateAction(ctx, doc.ID, CreateActionInput{Title: "Vague action", Detail: "unclear"}, "Alex Carter")

	input := SupersedeActionInput{Title: "Fit intumescent strips to kitchen door", Detail: "Both leaves"}
	replacement, err := env.svc.SupersedeAction(ctx, original.ID, input, "Alex Carter")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}

	retried, err := env.svc.SupersedeAction(ctx, original.ID, input, "Alex Carter")
	if err != nil {
		t.Fatalf("retried supersede should be idempotent: %v", err)
	}
	if retried.ID != replacement.ID {
		t.Fatalf("retry must return the existing replacement, got %s want %s", retried.ID, replacement.ID)
	}

	_, err = env.svc.SupersedeAction(ctx, original.ID, SupersedeActionInput{Title: "Different rewording"}, "Alex Carter")
	if code := domainCode(t, err); code != "ALREADY_SUPERSEDED" {
		t.Fatalf("expected ALREADY_SUPERSEDED for a different replacement, got %s", code)
	}

	frozen, _ := env.svc.GetAction(ctx, original.ID)
	if frozen.Status != string(lifecycle.ItemSuperseded) {
		t.Fatalf("original should be SUPERSEDED, got %s", frozen.Status)
	}
	if frozen.SupersededByActionID == nil || *frozen.SupersededByActionID != replacement.ID {
		t.Fatal("original should point at its replacement")
	}
}

func TestFetchArtifactVerifiesIntegrity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, false)
	if _, err := env.svc.Issue(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	view, err := env.svc.FetchArtifact(ctx, doc.ID)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	if !strings.HasPrefix(string(view.Data), "PDF:") {
		t.Fatalf("unexpected artifact bytes: %q", view.Data)
	}

	// A drifted hash must surface as an integrity failure, never a re-render.
	record := env.store.artifacts[doc.ID]
	record.ContentHash = strings.Repeat("0", 64)
	env.store.artifacts[doc.ID] = record
	_, err = env.svc.FetchArtifact(ctx, doc.ID)
	if code := domainCode(t, err); code != "ARTIFACT_INTEGRITY" {
		t.Fatalf("expected ARTIFACT_INTEGRITY, got %v", err)
	}

	// A missing binding row on an issued version is fatal.
	delete(env.store.artifacts, doc.ID)
	_, err = env.svc.FetchArtifact(ctx, doc.ID)
	if code := domainCode(t, err); code != "MISSING_LOCKED_ARTIFACT" {
		t.Fatalf("expected MISSING_LOCKED_ARTIFACT, got %v", err)
	}
	if !env.audit.has("artifact.integrity_failure") {
		t.Fatal("expected integrity failure audit event")
	}
}

func TestFetchArtifactRequiresIssuedVersion(t *testing.T) {
	env := newTestEnv(t)
	doc := createDraft(t, env, false)
	_, err := env.svc.FetchArtifact(context.Background(), doc.ID)
	if code := domainCode(t, err); code != "NOT_ISSUED" {
		t.Fatalf("expected NOT_ISSUED, got %v", err)
	}
}

func TestRejectionReturnsToDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := createDraft(t, env, true)

	if _, err := env.svc.RequestApproval(ctx, doc.ID, "Alex Carter"); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	rejected, err := env.svc.Decide(ctx, doc.ID, DecisionInput{Approve: false, Note: "emergency plan too thin"}, "Sam Reeves")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != string(lifecycle.StatusDraft) {
		t.Fatalf("rejection should land in DRAFT, got %s", rejected.Status)
	}

	// Recall only applies to APPROVED.
	if _, err := env.svc.Recall(ctx, doc.ID, "Alex Carter"); domainCode(t, err) != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION on recall from draft, got %v", err)
	}

	approve(t, env, doc.ID)
	recalled, err := env.svc.Recall(ctx, doc.ID, "Alex Carter")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.Status != string(lifecycle.StatusDraft) {
		t.Fatalf("recall should land in DRAFT, got %s", recalled.Status)
	}
}

func TestChangeSummaryDeltaMatchesDiffEngine(t *testing.T) {
	// The stored delta decodes back into the same structure Diff produced.
	delta := changes.Diff(2, 1,
		[]changes.ItemView{{Reference: "A-1", Title: "Old", Status: lifecycle.ItemOpen, FirstRaisedInVersion: 1}},
		[]changes.ItemView{{Reference: "A-1", Title: "Old", Status: lifecycle.ItemClosed, FirstRaisedInVersion: 1}},
	)
	encoded, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded changes.Delta
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.MaterialChange || len(decoded.Closed) != 1 {
		t.Fatalf("round-tripped delta lost shape: %+v", decoded)
	}
}
