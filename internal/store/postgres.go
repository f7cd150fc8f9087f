package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrStaleStatus means a guarded status update matched zero rows: the
	// document changed underneath the caller.
	ErrStaleStatus = errors.New("document status changed concurrently")
	// ErrChainNotAtTip means the lineage already has an open (non-terminal)
	// version.
	ErrChainNotAtTip = errors.New("lineage already has an open version")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const documentColumns = `
	id, lineage_id, version_number, title, site_name, frameworks_json,
	status, requires_approval, created_by_name, created_at, updated_by_name, updated_at,
	COALESCE(issued_by_name, ''), issued_at, superseded_by_version_id, supersedes_version_id
`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	var frameworksRaw []byte
	err := row.Scan(
		&item.ID,
		&item.LineageID,
		&item.VersionNumber,
		&item.Title,
		&item.SiteName,
		&frameworksRaw,
		&item.Status,
		&item.RequiresApproval,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedBy,
		&item.UpdatedAt,
		&item.IssuedBy,
		&item.IssuedAt,
		&item.SupersededByVersionID,
		&item.SupersedesVersionID,
	)
	if err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal(frameworksRaw, &item.Frameworks)
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	frameworks, err := json.Marshal(item.Frameworks)
	if err != nil {
		return fmt.Errorf("marshal frameworks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, lineage_id, version_number, title, site_name, frameworks_json, status, requires_approval, created_by_name, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
	`, item.ID, item.LineageID, item.VersionNumber, item.Title, item.SiteName, string(frameworks), item.Status, item.RequiresApproval, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListLineageDocuments(ctx context.Context, lineageID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE lineage_id=$1
		ORDER BY version_number ASC
	`, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list lineage documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage documents: %w", err)
	}
	return items, nil
}

// GetOpenDocument returns the lineage's single open version, or nil if every
// version is issued or superseded.
func (s *PostgresStore) GetOpenDocument(ctx context.Context, lineageID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE lineage_id=$1 AND status IN ('DRAFT', 'PENDING_APPROVAL', 'APPROVED')
		ORDER BY version_number DESC
		LIMIT 1
	`, lineageID)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open document: %w", err)
	}
	return &item, nil
}

// GetCurrentIssued returns the lineage's current issued version, or nil.
func (s *PostgresStore) GetCurrentIssued(ctx context.Context, lineageID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE lineage_id=$1 AND status='ISSUED'
		ORDER BY version_number DESC
		LIMIT 1
	`, lineageID)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current issued: %w", err)
	}
	return &item, nil
}

// UpdateDocumentStatus performs a guarded transition: the row is only touched
// if it is still in fromStatus. Returns false when the guard failed.
func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, fromStatus, toStatus, actor string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$3, updated_by_name=$4, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, documentID, fromStatus, toStatus, actor)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document status rows: %w", err)
	}
	return affected > 0, nil
}

// TouchDocument records an edit to a mutable version's content.
func (s *PostgresStore) TouchDocument(ctx context.Context, documentID, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET updated_by_name=$2, updated_at=NOW() WHERE id=$1
	`, documentID, actor)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return nil
}

// NextReferenceOrdinal reads the lineage's reference counter. Allocation is
// only durable once FinalizeIssue commits; callers must hold the lineage lock
// between this read and that commit.
func (s *PostgresStore) NextReferenceOrdinal(ctx context.Context, lineageID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT next_reference FROM lineage_counters WHERE lineage_id=$1
	`, lineageID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read reference counter: %w", err)
	}
	return next, nil
}

const itemColumns = `
	id, lineage_id, document_id, COALESCE(reference, ''), title, detail, section_key, priority,
	status, first_raised_in_version, carried_from_item_id, superseded_by_item_id,
	created_by_name, created_at, updated_at
`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var item Item
	err := row.Scan(
		&item.ID,
		&item.LineageID,
		&item.DocumentID,
		&item.Reference,
		&item.Title,
		&item.Detail,
		&item.SectionKey,
		&item.Priority,
		&item.Status,
		&item.FirstRaisedInVersion,
		&item.CarriedFromItemID,
		&item.SupersededByItemID,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertItem(ctx context.Context, item Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, lineage_id, document_id, reference, title, detail, section_key, priority, status, first_raised_in_version, carried_from_item_id, created_by_name)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
	`, item.ID, item.LineageID, item.DocumentID, item.Reference, item.Title, item.Detail, item.SectionKey, item.Priority, item.Status, item.FirstRaisedInVersion, item.CarriedFromItemID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, itemID)
	return scanItem(row)
}

func (s *PostgresStore) ListDocumentItems(ctx context.Context, documentID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document items: %w", err)
	}
	return items, nil
}

// ListLineageItems returns every item row ever attached to the lineage,
// including rows left behind on superseded versions, for audit queries.
func (s *PostgresStore) ListLineageItems(ctx context.Context, lineageID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE lineage_id=$1
		ORDER BY first_raised_in_version ASC, created_at ASC, id ASC
	`, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list lineage items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateItemStatus(ctx context.Context, itemID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE items SET status=$2, updated_at=NOW() WHERE id=$1
	`, itemID, status)
	if err != nil {
		return false, fmt.Errorf("update item status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update item status rows: %w", err)
	}
	return affected > 0, nil
}

// MarkItemSuperseded sets the forward pointer. The guard makes the call
// idempotent for the same replacement and a no-op for a different one; the
// caller distinguishes the two by re-reading the row.
func (s *PostgresStore) MarkItemSuperseded(ctx context.Context, itemID, replacementID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET status='SUPERSEDED', superseded_by_item_id=$2, updated_at=NOW()
		WHERE id=$1 AND (superseded_by_item_id IS NULL OR superseded_by_item_id=$2)
	`, itemID, replacementID)
	if err != nil {
		return false, fmt.Errorf("mark item superseded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark item superseded rows: %w", err)
	}
	return affected > 0, nil
}

// FinalizeIssue applies the entire issuance effect set in one transaction:
// the guarded status flip, reference sealing, the change summary, the locked
// artifact record, and supersession of the prior issued version. Any failure
// rolls the whole set back.
func (s *PostgresStore) FinalizeIssue(ctx context.Context, params FinalizeIssueParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin issue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status='ISSUED', issued_by_name=$3, issued_at=$4, updated_by_name=$3, updated_at=$4
		WHERE id=$1 AND status=$2
	`, params.DocumentID, params.FromStatus, params.Actor, params.IssuedAt)
	if err != nil {
		return fmt.Errorf("flip status to issued: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("flip status rows: %w", err)
	} else if affected == 0 {
		return ErrStaleStatus
	}

	for _, assignment := range params.ReferenceAssignments {
		result, err := tx.ExecContext(ctx, `
			UPDATE items SET reference=$2, updated_at=NOW()
			WHERE id=$1 AND reference IS NULL
		`, assignment.ItemID, assignment.Reference)
		if err != nil {
			return fmt.Errorf("seal reference %s: %w", assignment.Reference, err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("seal reference rows: %w", err)
		} else if affected == 0 {
			return ErrStaleStatus
		}
	}

	if params.NextReference > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lineage_counters (lineage_id, next_reference)
			VALUES ($1, $2)
			ON CONFLICT (lineage_id)
			DO UPDATE SET next_reference=GREATEST(lineage_counters.next_reference, EXCLUDED.next_reference)
		`, params.LineageID, params.NextReference); err != nil {
			return fmt.Errorf("advance reference counter: %w", err)
		}
	}

	if params.Summary != nil {
		sm := params.Summary
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_summaries (document_id, previous_document_id, new_count, closed_count, reopened_count, outstanding_count, material_change, delta_json, rendered, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		`, sm.DocumentID, sm.PreviousDocumentID, sm.NewCount, sm.ClosedCount, sm.ReopenedCount, sm.OutstandingCount, sm.MaterialChange, sm.DeltaJSON, sm.Rendered, sm.GeneratedAt); err != nil {
			return fmt.Errorf("insert change summary: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO locked_artifacts (document_id, content_hash, storage_ref, size_bytes, generated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, params.Artifact.DocumentID, params.Artifact.ContentHash, params.Artifact.StorageRef, params.Artifact.SizeBytes, params.Artifact.GeneratedAt); err != nil {
		return fmt.Errorf("insert locked artifact: %w", err)
	}

	if params.PriorIssuedID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET status='SUPERSEDED', superseded_by_version_id=$2, updated_at=NOW()
			WHERE id=$1 AND status='ISSUED'
		`, params.PriorIssuedID, params.DocumentID)
		if err != nil {
			return fmt.Errorf("supersede prior version: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("supersede prior rows: %w", err)
		} else if affected == 0 {
			return ErrStaleStatus
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET supersedes_version_id=$2 WHERE id=$1
		`, params.DocumentID, params.PriorIssuedID); err != nil {
			return fmt.Errorf("link supersedes pointer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit issue tx: %w", err)
	}
	return nil
}

// CreateNextVersion inserts the new draft and its carried-forward item clones
// in one transaction, revalidating the chain-tip preconditions inside it.
func (s *PostgresStore) CreateNextVersion(ctx context.Context, params CreateVersionParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sourceStatus string
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM documents WHERE id=$1 FOR UPDATE
	`, params.SourceDocumentID).Scan(&sourceStatus); err != nil {
		return fmt.Errorf("lock source document: %w", err)
	}
	if sourceStatus != "ISSUED" {
		return ErrStaleStatus
	}

	var conflicts int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE lineage_id=$1
		  AND (status IN ('DRAFT', 'PENDING_APPROVAL', 'APPROVED') OR version_number >= $2)
	`, params.Document.LineageID, params.Document.VersionNumber).Scan(&conflicts); err != nil {
		return fmt.Errorf("check chain tip: %w", err)
	}
	if conflicts > 0 {
		return ErrChainNotAtTip
	}

	frameworks, err := json.Marshal(params.Document.Frameworks)
	if err != nil {
		return fmt.Errorf("marshal frameworks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, lineage_id, version_number, title, site_name, frameworks_json, status, requires_approval, created_by_name, updated_by_name, supersedes_version_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'DRAFT', $7, $8, $8, NULL)
	`, params.Document.ID, params.Document.LineageID, params.Document.VersionNumber, params.Document.Title, params.Document.SiteName, string(frameworks), params.Document.RequiresApproval, params.Document.CreatedBy); err != nil {
		return fmt.Errorf("insert next version: %w", err)
	}

	for _, item := range params.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, lineage_id, document_id, reference, title, detail, section_key, priority, status, first_raised_in_version, carried_from_item_id, created_by_name)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
		`, item.ID, item.LineageID, item.DocumentID, item.Reference, item.Title, item.Detail, item.SectionKey, item.Priority, item.Status, item.FirstRaisedInVersion, item.CarriedFromItemID, item.CreatedBy); err != nil {
			return fmt.Errorf("carry forward item %s: %w", item.Reference, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeSummary(ctx context.Context, documentID string) (*ChangeSummary, error) {
	var item ChangeSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, previous_document_id, new_count, closed_count, reopened_count, outstanding_count, material_change, delta_json::text, rendered, generated_at
		FROM change_summaries
		WHERE document_id=$1
	`, documentID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.PreviousDocumentID,
		&item.NewCount,
		&item.ClosedCount,
		&item.ReopenedCount,
		&item.OutstandingCount,
		&item.MaterialChange,
		&item.DeltaJSON,
		&item.Rendered,
		&item.GeneratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change summary: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) GetLockedArtifact(ctx context.Context, documentID string) (*LockedArtifact, error) {
	var item LockedArtifact
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, content_hash, storage_ref, size_bytes, generated_at
		FROM locked_artifacts
		WHERE document_id=$1
	`, documentID).Scan(&item.DocumentID, &item.ContentHash, &item.StorageRef, &item.SizeBytes, &item.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get locked artifact: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, document_id, lineage_id, actor_name, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.EventType, event.DocumentID, event.LineageID, event.Actor, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, document_id, lineage_id, actor_name, payload, created_at
		FROM audit_events
		WHERE document_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.EventType, &item.DocumentID, &item.LineageID, &item.Actor, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
