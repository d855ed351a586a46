package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lllypuk/searchsync/internal/application/appcore"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

// LogBackend decodes mutations and logs them instead of writing an index.
// Useful as a dry run against a production outbox.
type LogBackend struct {
	logger *slog.Logger
}

// NewLogBackend creates a LogBackend.
func NewLogBackend(logger *slog.Logger) *LogBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBackend{logger: logger}
}

// Apply logs the decoded mutation.
func (b *LogBackend) Apply(ctx context.Context, evt *outbox.Event) error {
	m, err := mutation.Decode(evt.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", evt.ID, err)
	}

	b.logger.InfoContext(ctx, "search mutation",
		slog.Int64("event_id", evt.ID),
		slog.String("entity_name", evt.EntityName),
		slog.String("entity_id", evt.EntityID),
		slog.String("tenant_id", evt.TenantID),
		slog.String("op", string(m.Op)),
		slog.String("index", m.Index),
		slog.String("document_id", m.DocumentID),
		slog.Int("document_bytes", len(m.Document)),
	)
	return nil
}

// Func adapts a plain function to appcore.SearchBackend.
type Func func(ctx context.Context, evt *outbox.Event) error

// Apply calls f.
func (f Func) Apply(ctx context.Context, evt *outbox.Event) error {
	return f(ctx, evt)
}

var (
	_ appcore.SearchBackend = (*LogBackend)(nil)
	_ appcore.SearchBackend = Func(nil)
)
