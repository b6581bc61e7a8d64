package library

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/kafka"
)

const (
	EventDocumentEncoded = "document.encoded"
	EventCacheInvalidate = "cache.invalidate"
)

// DocumentEvent is published after an encode and consumed by every process
// holding a content cache for the document's container.
type DocumentEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	DocID         string    `json:"doc_id"`
	ContainerPath string    `json:"container_path,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	PageCount     int       `json:"page_count,omitempty"`
	At            time.Time `json:"at"`

	// PreviousContainerID names the encoding a document.encoded event
	// supersedes. Empty for a first encode.
	PreviousContainerID string `json:"previous_container_id,omitempty"`
}

func newEvent(typ string, a Artifacts) DocumentEvent {
	return DocumentEvent{
		EventID:       uuid.NewString(),
		Type:          typ,
		DocID:         a.DocID,
		ContainerPath: a.ContainerPath,
		ContainerID:   a.ContainerID,
		PageCount:     a.PageCount,
		At:            time.Now().UTC(),
	}
}

func (l *Library) publish(ctx context.Context, ev DocumentEvent) {
	pub := l.deps.Events
	if ev.Type == EventCacheInvalidate {
		pub = l.deps.Invalidations
	}
	if err := pub.Publish(ctx, kafka.Event{Key: ev.DocID, Value: ev}); err != nil {
		l.logger.Warn("event not published", "type", ev.Type, "doc_id", ev.DocID, "error", err)
	}
}

// HandleInvalidation is the kafka handler for lifecycle events. A
// cache.invalidate event drops every cached page of the named container; a
// document.encoded event drops the pages of the encoding it superseded.
func (l *Library) HandleInvalidation(ctx context.Context, _, value []byte) error {
	ev, err := kafka.DecodeJSON[DocumentEvent](value)
	if err != nil {
		return err
	}
	if l.deps.Cache == nil {
		return nil
	}
	var ctr cache.Container
	switch {
	case ev.Type == EventDocumentEncoded:
		if ev.PreviousContainerID == "" {
			return nil
		}
		ctr, err = cache.Bind(ev.ContainerPath, ev.PreviousContainerID)
	case ev.ContainerPath != "":
		ctr, err = cache.Bind(ev.ContainerPath, ev.ContainerID)
	case ev.DocID != "":
		var doc documentRef
		doc, err = l.lookup(ctx, ev.DocID)
		ctr = doc.container
	default:
		return apperrors.New(apperrors.ErrInvalidInput, "event names neither a document nor a container")
	}
	if err != nil {
		return fmt.Errorf("resolving container for %s event: %w", ev.Type, err)
	}
	n, err := l.deps.Cache.Clear(ctx, ctr)
	if err != nil {
		return err
	}
	l.logger.Info("cache invalidated", "type", ev.Type, "doc_id", ev.DocID, "container_id", ctr.ID, "entries", n, "event_id", ev.EventID)
	return nil
}
