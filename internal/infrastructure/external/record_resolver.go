package external

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

// RecordResolver implements port.EntityResolver over the generic records
// table. Any record_type is a valid workflow target, which keeps the
// bundled server model-agnostic.
type RecordResolver struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecordResolver creates a records-backed entity resolver
func NewRecordResolver(db *sql.DB, logger *zap.Logger) port.EntityResolver {
	return &RecordResolver{db: db, logger: logger}
}

// Resolve loads the record matching the reference
func (r *RecordResolver) Resolve(ctx context.Context, ref entity.EntityRef) (port.EntityHandle, error) {
	var ownerID string
	var attrs sql.NullString
	err := r.executor(ctx).QueryRowContext(ctx, `
		SELECT owner_id, attributes FROM records WHERE id = ? AND record_type = ?
	`, ref.ID, ref.Type).Scan(&ownerID, &attrs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s/%s not found", ref.Type, ref.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve record: %w", err)
	}

	attributes := map[string]any{}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &attributes); err != nil {
			return nil, fmt.Errorf("failed to decode record attributes: %w", err)
		}
	}
	return &recordHandle{resolver: r, ref: ref, ownerID: ownerID, attributes: attributes}, nil
}

func (r *RecordResolver) executor(ctx context.Context) sqlite.Executor {
	if tx := sqlite.ExtractTx(ctx); tx != nil {
		return tx
	}
	return r.db
}

type recordHandle struct {
	resolver   *RecordResolver
	ref        entity.EntityRef
	ownerID    string
	attributes map[string]any
}

// Attributes returns the record's attribute document
func (h *recordHandle) Attributes(_ context.Context) (map[string]any, error) {
	return h.attributes, nil
}

// Update merges fields into the record's attributes and persists them
func (h *recordHandle) Update(ctx context.Context, fields map[string]any) error {
	for k, v := range fields {
		h.attributes[k] = v
	}
	raw, err := json.Marshal(h.attributes)
	if err != nil {
		return fmt.Errorf("failed to encode record attributes: %w", err)
	}
	_, err = h.resolver.executor(ctx).ExecContext(ctx, `
		UPDATE records SET attributes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND record_type = ?
	`, string(raw), h.ref.ID, h.ref.Type)
	if err != nil {
		h.resolver.logger.Error("Failed to update record",
			zap.String("record_type", h.ref.Type),
			zap.String("record_id", h.ref.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// OwnerID returns the record's owner
func (h *recordHandle) OwnerID() string {
	return h.ownerID
}

// Verify interface compliance
var _ port.EntityResolver = (*RecordResolver)(nil)
