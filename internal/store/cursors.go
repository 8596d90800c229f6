package store

import (
	"context"
	"database/sql"

	"srg/internal/apperr"
)

// =============================================================================
// INDEX CURSORS
// =============================================================================

// GetCursor returns the last indexed id for a named cursor, zero when unset.
func (s *Store) GetCursor(ctx context.Context, name string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_id FROM index_cursors WHERE name = ?", name).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Database("failed to load index cursor", err)
	}
	return last, nil
}

// SetCursor advances a named cursor.
func (s *Store) SetCursor(ctx context.Context, name string, lastID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO index_cursors(name, last_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET last_id = excluded.last_id, updated_at = CURRENT_TIMESTAMP`,
		name, lastID)
	if err != nil {
		return apperr.Database("failed to store index cursor", err)
	}
	return nil
}

// ResetCursor removes a named cursor so the next pass starts from scratch.
func (s *Store) ResetCursor(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM index_cursors WHERE name = ?", name); err != nil {
		return apperr.Database("failed to reset index cursor", err)
	}
	return nil
}
