package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

// ChangeRecorder is the producer side of the outbox. Business code calls it
// inside its own transaction so the event commits with the write it describes.
type ChangeRecorder struct {
	appender appcore.EventAppender
	format   mutation.Format
	logger   *slog.Logger
}

// NewChangeRecorder creates a recorder encoding payloads with format.
func NewChangeRecorder(appender appcore.EventAppender, format mutation.Format, logger *slog.Logger) *ChangeRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeRecorder{appender: appender, format: format, logger: logger}
}

// Record encodes m and appends it as a pending event. Pass the transaction
// context (MongoDB session context) so the append joins the transaction.
func (r *ChangeRecorder) Record(
	ctx context.Context,
	entityName, entityID, tenantID string,
	m mutation.Mutation,
) (*outbox.Event, error) {
	payload, err := mutation.Encode(m, r.format)
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}

	evt := outbox.NewEvent(entityName, entityID, payload, tenantID)
	if err := r.appender.Append(ctx, evt); err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}

	r.logger.DebugContext(ctx, "change recorded",
		slog.Int64("event_id", evt.ID),
		slog.String("entity_name", entityName),
		slog.String("op", string(m.Op)),
	)
	return evt, nil
}
