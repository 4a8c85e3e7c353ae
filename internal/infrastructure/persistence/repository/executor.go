package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

// getExecutor returns the context's transaction when one is active, the
// plain connection otherwise
func getExecutor(ctx context.Context, db *sql.DB) sqlite.Executor {
	if tx := sqlite.ExtractTx(ctx); tx != nil {
		return tx
	}
	return db
}

// marshalJSON encodes a map for a TEXT column; nil maps become NULL
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// unmarshalJSON decodes a nullable TEXT column back into a map
func unmarshalJSON(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
