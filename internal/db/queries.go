package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/calendarsync/internal/calsync"
)

// GetOrCreateUser returns an existing user by email or creates a new one.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Create new user
	user = &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err = db.conn.Exec(query, user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail returns a user by their email address.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	query := `SELECT id, email, name, refresh_token, created_at, updated_at FROM users WHERE email = ?`
	return scanUser(db.conn.QueryRow(query, email))
}

// GetUserByID returns a user by their ID.
func (db *DB) GetUserByID(id string) (*User, error) {
	query := `SELECT id, email, name, refresh_token, created_at, updated_at FROM users WHERE id = ?`
	return scanUser(db.conn.QueryRow(query, id))
}

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.RefreshToken, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserRefreshToken stores the OAuth refresh token for a user. An empty
// token leaves the stored one unchanged, since Google only returns a refresh
// token on the first consent.
func (db *DB) UpdateUserRefreshToken(userID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	query := `UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.Exec(query, refreshToken, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	return requireAffected(result)
}

// CreateSync creates a new sync.
func (db *DB) CreateSync(s *Sync) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	s.LastSyncStatus = SyncStatusPending

	sources, names, icals, err := encodeSyncJSON(s)
	if err != nil {
		return err
	}

	query := `INSERT INTO syncs (
		id, user_id, destination_calendar_id, destination_calendar_summary,
		sources, source_names, source_icals, event_prefix,
		window_past_days, window_future_days, last_sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query,
		s.ID, s.UserID, s.DestinationCalendarID, s.DestinationCalendarSummary,
		sources, names, icals, s.EventPrefix,
		s.WindowPastDays, s.WindowFutureDays, s.LastSyncStatus, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync: %w", err)
	}

	return nil
}

const syncColumns = `id, user_id, destination_calendar_id, destination_calendar_summary,
		sources, source_names, source_icals, event_prefix, window_past_days, window_future_days,
		last_synced_at, last_sync_status, last_sync_message, created_at, updated_at`

// GetSyncByID returns a sync by its ID.
func (db *DB) GetSyncByID(id string) (*Sync, error) {
	return db.getSync(context.Background(), id)
}

func (db *DB) getSync(ctx context.Context, id string) (*Sync, error) {
	query := `SELECT ` + syncColumns + ` FROM syncs WHERE id = ?`

	s, err := scanSync(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetSyncsByUserID returns all syncs owned by a user, oldest first.
func (db *DB) GetSyncsByUserID(userID string) ([]*Sync, error) {
	query := `SELECT ` + syncColumns + ` FROM syncs WHERE user_id = ? ORDER BY created_at`
	return db.querySyncs(query, userID)
}

// GetAllSyncs returns every sync.
func (db *DB) GetAllSyncs() ([]*Sync, error) {
	query := `SELECT ` + syncColumns + ` FROM syncs ORDER BY created_at`
	return db.querySyncs(query)
}

func (db *DB) querySyncs(query string, args ...any) ([]*Sync, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query syncs: %w", err)
	}
	defer rows.Close()

	var syncs []*Sync
	for rows.Next() {
		s, err := scanSync(rows)
		if err != nil {
			return nil, err
		}
		syncs = append(syncs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating syncs: %w", err)
	}

	return syncs, nil
}

// UpdateSync updates the user-editable fields of a sync. Editing sources
// replaces the legacy fields.
func (db *DB) UpdateSync(s *Sync) error {
	s.UpdatedAt = time.Now().UTC()
	if len(s.Sources) > 0 {
		s.SourceICals = nil
		s.EventPrefix = ""
	}

	sources, names, icals, err := encodeSyncJSON(s)
	if err != nil {
		return err
	}

	query := `UPDATE syncs SET
		destination_calendar_id = ?, destination_calendar_summary = ?,
		sources = ?, source_names = ?, source_icals = ?, event_prefix = ?,
		window_past_days = ?, window_future_days = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		s.DestinationCalendarID, s.DestinationCalendarSummary,
		sources, names, icals, s.EventPrefix,
		s.WindowPastDays, s.WindowFutureDays, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync: %w", err)
	}
	return requireAffected(result)
}

// UpdateSyncStatus records the outcome of the latest run.
func (db *DB) UpdateSyncStatus(id string, status SyncStatus, message string) error {
	query := `UPDATE syncs SET last_sync_status = ?, last_sync_message = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, status, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return requireAffected(result)
}

// DeleteSync deletes a sync by its ID. Its logs go with it.
func (db *DB) DeleteSync(id string) error {
	query := `DELETE FROM syncs WHERE id = ?`

	result, err := db.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync: %w", err)
	}
	return requireAffected(result)
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, sync_id, status, message, details, duration_ms,
		sources_synced, events_candidate, events_created, events_updated, events_failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.SyncID, log.Status, log.Message, log.Details, log.Duration.Milliseconds(),
		log.SourcesSynced, log.EventsCandidate, log.EventsCreated, log.EventsUpdated, log.EventsFailed, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent logs of a sync, newest first.
func (db *DB) GetSyncLogs(syncID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, sync_id, status, message, details, duration_ms,
		sources_synced, events_candidate, events_created, events_updated, events_failed, created_at
		FROM sync_logs WHERE sync_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, syncID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var durationMs int64
		var message, details sql.NullString
		err := rows.Scan(&log.ID, &log.SyncID, &log.Status, &message, &details, &durationMs,
			&log.SourcesSynced, &log.EventsCandidate, &log.EventsCreated, &log.EventsUpdated, &log.EventsFailed, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE created_at < ?`

	result, err := db.conn.Exec(query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSync scans one syncs row. sql.ErrNoRows is returned unwrapped.
func scanSync(row rowScanner) (*Sync, error) {
	s := &Sync{}
	var sources, names, icals string
	var lastSyncedAt sql.NullTime
	var lastSyncMessage sql.NullString

	err := row.Scan(
		&s.ID, &s.UserID, &s.DestinationCalendarID, &s.DestinationCalendarSummary,
		&sources, &names, &icals, &s.EventPrefix, &s.WindowPastDays, &s.WindowFutureDays,
		&lastSyncedAt, &s.LastSyncStatus, &lastSyncMessage, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync: %w", err)
	}

	if err := json.Unmarshal([]byte(sources), &s.Sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources of sync %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(names), &s.SourceNames); err != nil {
		return nil, fmt.Errorf("failed to decode source names of sync %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(icals), &s.SourceICals); err != nil {
		return nil, fmt.Errorf("failed to decode legacy feeds of sync %s: %w", s.ID, err)
	}
	if s.SourceNames == nil {
		s.SourceNames = map[string]string{}
	}
	if lastSyncedAt.Valid {
		s.LastSyncedAt = &lastSyncedAt.Time
	}
	s.LastSyncMessage = lastSyncMessage.String

	return s, nil
}

func encodeSyncJSON(s *Sync) (sources, names, icals string, err error) {
	srcs := s.Sources
	if srcs == nil {
		srcs = []calsync.Source{}
	}
	nm := s.SourceNames
	if nm == nil {
		nm = map[string]string{}
	}
	ic := s.SourceICals
	if ic == nil {
		ic = []string{}
	}

	var b []byte
	if b, err = json.Marshal(srcs); err != nil {
		return "", "", "", fmt.Errorf("failed to encode sources: %w", err)
	}
	sources = string(b)
	if b, err = json.Marshal(nm); err != nil {
		return "", "", "", fmt.Errorf("failed to encode source names: %w", err)
	}
	names = string(b)
	if b, err = json.Marshal(ic); err != nil {
		return "", "", "", fmt.Errorf("failed to encode legacy feeds: %w", err)
	}
	icals = string(b)
	return sources, names, icals, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
