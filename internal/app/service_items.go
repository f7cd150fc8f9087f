package app

import (
	"context"
	"net/http"

	"firemark/api/internal/lifecycle"
	"firemark/api/internal/store"
	"firemark/api/internal/util"
)

type CreateActionInput struct {
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	SectionKey string `json:"sectionKey"`
	Priority   string `json:"priority"`
}

type SupersedeActionInput struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

var allowedPriorities = map[string]struct{}{
	"LOW":    {},
	"MEDIUM": {},
	"HIGH":   {},
}

// CreateAction raises a new register entry on a mutable version. The stable
// reference number is assigned at issuance, not here.
func (s *Service) CreateAction(ctx context.Context, documentID string, input CreateActionInput, actor string) (ActionView, error) {
	if input.Title == "" {
		return ActionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.Priority == "" {
		input.Priority = "MEDIUM"
	}
	if _, ok := allowedPriorities[input.Priority]; !ok {
		return ActionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be LOW, MEDIUM or HIGH", nil)
	}

	release, err := s.lockLineageFor(ctx, documentID)
	if err != nil {
		return ActionView{}, err
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return ActionView{}, err
	}
	if lifecycle.Status(doc.Status).Immutable() {
		return ActionView{}, domainError(http.StatusConflict, "DOCUMENT_IMMUTABLE", "issued versions cannot take new actions; create a new version", nil)
	}

	item := store.Item{
		ID:                   util.NewID("act"),
		LineageID:            doc.LineageID,
		DocumentID:           doc.ID,
		Title:                input.Title,
		Detail:               input.Detail,
		SectionKey:           input.SectionKey,
		Priority:             input.Priority,
		Status:               string(lifecycle.ItemOpen),
		FirstRaisedInVersion: doc.VersionNumber,
		CreatedBy:            actor,
	}
	if err := s.store.InsertItem(ctx, item); err != nil {
		return ActionView{}, err
	}

	s.indexItem(item)
	s.recordAudit("action.created", doc.ID, doc.LineageID, actor, map[string]any{"actionId": item.ID})

	created, err := s.store.GetItem(ctx, item.ID)
	if err != nil {
		return ActionView{}, err
	}
	return toActionView(created), nil
}

func (s *Service) GetAction(ctx context.Context, actionID string) (ActionView, error) {
	item, err := s.store.GetItem(ctx, actionID)
	if err != nil {
		return ActionView{}, err
	}
	return toActionView(item), nil
}

func (s *Service) ListActions(ctx context.Context, documentID string) ([]ActionView, error) {
	items, err := s.store.ListDocumentItems(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return toActionViews(items), nil
}

// ListLineageActions returns every action row ever attached to a lineage,
// including those left behind on superseded versions.
func (s *Service) ListLineageActions(ctx context.Context, lineageID string) ([]ActionView, error) {
	items, err := s.store.ListLineageItems(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	return toActionViews(items), nil
}

// UpdateActionStatus moves an action through its working lifecycle. SUPERSEDED
// is reserved for SupersedeAction.
func (s *Service) UpdateActionStatus(ctx context.Context, actionID, status, actor string) (ActionView, error) {
	target := lifecycle.ItemStatus(status)
	if !target.Valid() || target == lifecycle.ItemSuperseded {
		return ActionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid action status", nil)
	}

	release, err := s.lockLineageForAction(ctx, actionID)
	if err != nil {
		return ActionView{}, err
	}
	defer release()

	item, err := s.store.GetItem(ctx, actionID)
	if err != nil {
		return ActionView{}, err
	}
	if lifecycle.ItemStatus(item.Status) == lifecycle.ItemSuperseded {
		return ActionView{}, domainError(http.StatusConflict, "ALREADY_SUPERSEDED", "superseded actions are frozen", nil)
	}
	doc, err := s.store.GetDocument(ctx, item.DocumentID)
	if err != nil {
		return ActionView{}, err
	}
	if lifecycle.Status(doc.Status).Immutable() {
		return ActionView{}, domainError(http.StatusConflict, "DOCUMENT_IMMUTABLE", "actions on issued versions are frozen; work on the open version", nil)
	}

	updated, err := s.store.UpdateItemStatus(ctx, item.ID, string(target))
	if err != nil {
		return ActionView{}, err
	}
	if !updated {
		return ActionView{}, concurrentModification()
	}

	s.recordAudit("action.status_changed", doc.ID, doc.LineageID, actor, map[string]any{
		"actionId": item.ID,
		"from":     item.Status,
		"to":       string(target),
	})

	fresh, err := s.store.GetItem(ctx, item.ID)
	if err != nil {
		return ActionView{}, err
	}
	s.indexItem(fresh)
	return toActionView(fresh), nil
}

// SupersedeAction replaces an action with a reworded successor. The successor
// is a new register entry (its own reference at next issuance); the original
// freezes with a forward pointer. Retrying the same supersession returns the
// existing replacement instead of erroring.
func (s *Service) SupersedeAction(ctx context.Context, actionID string, input SupersedeActionInput, actor string) (ActionView, error) {
	if input.Title == "" {
		return ActionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	release, err := s.lockLineageForAction(ctx, actionID)
	if err != nil {
		return ActionView{}, err
	}
	defer release()

	item, err := s.store.GetItem(ctx, actionID)
	if err != nil {
		return ActionView{}, err
	}
	if item.SupersededByItemID != nil {
		existing, err := s.store.GetItem(ctx, *item.SupersededByItemID)
		if err != nil {
			return ActionView{}, err
		}
		// Same rewording retried: idempotent success.
		if existing.Title == input.Title && existing.Detail == input.Detail {
			return toActionView(existing), nil
		}
		return ActionView{}, domainError(http.StatusConflict, "ALREADY_SUPERSEDED", "action was already superseded by a different replacement", map[string]any{"replacementId": existing.ID})
	}

	doc, err := s.store.GetDocument(ctx, item.DocumentID)
	if err != nil {
		return ActionView{}, err
	}
	if lifecycle.Status(doc.Status).Immutable() {
		return ActionView{}, domainError(http.StatusConflict, "DOCUMENT_IMMUTABLE", "actions on issued versions are frozen; work on the open version", nil)
	}

	replacement := store.Item{
		ID:                   util.NewID("act"),
		LineageID:            item.LineageID,
		DocumentID:           item.DocumentID,
		Title:                input.Title,
		Detail:               input.Detail,
		SectionKey:           item.SectionKey,
		Priority:             item.Priority,
		Status:               string(lifecycle.ItemOpen),
		FirstRaisedInVersion: doc.VersionNumber,
		CreatedBy:            actor,
	}
	if err := s.store.InsertItem(ctx, replacement); err != nil {
		return ActionView{}, err
	}

	marked, err := s.store.MarkItemSuperseded(ctx, item.ID, replacement.ID)
	if err != nil {
		return ActionView{}, err
	}
	if !marked {
		// Lost the race to another replacement.
		return ActionView{}, domainError(http.StatusConflict, "ALREADY_SUPERSEDED", "action was already superseded by a different replacement", nil)
	}

	s.indexItem(replacement)
	s.recordAudit("action.superseded", doc.ID, doc.LineageID, actor, map[string]any{
		"actionId":      item.ID,
		"replacementId": replacement.ID,
	})

	created, err := s.store.GetItem(ctx, replacement.ID)
	if err != nil {
		return ActionView{}, err
	}
	return toActionView(created), nil
}

func toActionView(item store.Item) ActionView {
	return ActionView{
		ID:                   item.ID,
		LineageID:            item.LineageID,
		DocumentID:           item.DocumentID,
		Reference:            item.Reference,
		Title:                item.Title,
		Detail:               item.Detail,
		SectionKey:           item.SectionKey,
		Priority:             item.Priority,
		Status:               item.Status,
		FirstRaisedInVersion: item.FirstRaisedInVersion,
		CarriedFromActionID:  item.CarriedFromItemID,
		SupersededByActionID: item.SupersededByItemID,
		CreatedBy:            item.CreatedBy,
		CreatedAt:            item.CreatedAt,
		UpdatedAt:            item.UpdatedAt,
	}
}

func toActionViews(items []store.Item) []ActionView {
	views := make([]ActionView, 0, len(items))
	for _, item := range items {
		views = append(views, toActionView(item))
	}
	return views
}
