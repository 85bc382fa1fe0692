package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/macjediwizard/calendarsync/internal/calsync"
)

// LoadSyncConfig implements calsync.ConfigStore.
func (db *DB) LoadSyncConfig(ctx context.Context, id string) (*calsync.SyncConfig, error) {
	s, err := db.getSync(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", calsync.ErrConfigNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.Config(), nil
}

// UpdateSyncConfig implements calsync.ConfigStore. It records the source
// names and the sync time of a finished run.
func (db *DB) UpdateSyncConfig(ctx context.Context, id string, update calsync.ConfigUpdate) error {
	names := update.SourceNames
	if names == nil {
		names = map[string]string{}
	}
	encoded, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to encode source names: %w", err)
	}

	query := `UPDATE syncs SET source_names = ?, last_synced_at = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.ExecContext(ctx, query, string(encoded), update.LastSyncedAt.UTC(), update.LastSyncedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync run state: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return fmt.Errorf("%w: %s", calsync.ErrConfigNotFound, id)
	}
	return nil
}

// RefreshToken implements calsync.Credentials.
func (db *DB) RefreshToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := db.conn.QueryRowContext(ctx, `SELECT refresh_token FROM users WHERE id = ?`, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}
