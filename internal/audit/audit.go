// Package audit records lifecycle events asynchronously. Audit writes never
// block or fail a lifecycle operation; a lost event is logged, not fatal.
package audit

import (
	"context"
	"log"
	"time"

	"firemark/api/internal/store"
)

// Recorder persists audit events.
type Recorder interface {
	InsertAuditEvent(ctx context.Context, event store.AuditEvent) error
}

type Sink struct {
	recorder Recorder
}

func NewSink(recorder Recorder) *Sink {
	return &Sink{recorder: recorder}
}

// Record writes an audit event in the background (fire-and-forget).
func (s *Sink) Record(eventType, documentID, lineageID, actor string, payload map[string]any) {
	event := store.AuditEvent{
		EventType:  eventType,
		DocumentID: documentID,
		LineageID:  lineageID,
		Actor:      actor,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.InsertAuditEvent(ctx, event); err != nil {
			log.Printf("audit: record %s for document %s: %v", eventType, documentID, err)
		}
	}()
}
