package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/classlane/change-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// The serializable apply transaction relies on a single writer.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"change-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Apply(ctx context.Context, tenantID string, op store.Operation, contentHash string, now int64) (store.ApplyResult, error) {
	var result store.ApplyResult

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// replay check: a previously applied client operation reports the
	// recorded outcome without a new version bump
	err = tx.QueryRow("SELECT new_version, modified_at FROM applied_operations WHERE tenant_id = ? AND client_operation_id = ?",
		tenantID, op.ClientOperationID).Scan(&result.NewVersion, &result.ModifiedAt)
	if err != sql.ErrNoRows {
		if err != nil {
			return result, fmt.Errorf("failed to check applied operations: %w", err)
		}
		result.Replayed = true
		return result, nil
	}

	var currentVersion int64
	haveRecord := true
	err = tx.QueryRow("SELECT server_version FROM change_records WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?",
		tenantID, op.EntityType, op.EntityID).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		haveRecord = false
	} else if err != nil {
		return result, fmt.Errorf("failed to get record's latest version: %w", err)
	}

	if !haveRecord {
		if op.Kind != store.KindCreate {
			return result, store.ErrNotFound
		}
	} else if op.BaseVersion != currentVersion {
		return result, store.ErrVersionConflict
	}

	newVersion := currentVersion + 1
	payload := []byte(op.Payload)
	deleted := 0
	if op.Kind == store.KindDelete {
		deleted = 1
		payload = nil
		contentHash = ""
	}

	_, err = tx.Exec("INSERT OR REPLACE INTO change_records (tenant_id, entity_type, entity_id, server_version, content_hash, payload, modified_at, deleted) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		tenantID, op.EntityType, op.EntityID, newVersion, contentHash, payload, now, deleted)
	if err != nil {
		return result, fmt.Errorf("failed to insert record: %w", err)
	}

	_, err = tx.Exec("INSERT INTO applied_operations (tenant_id, client_operation_id, new_version, modified_at) VALUES (?, ?, ?, ?)",
		tenantID, op.ClientOperationID, newVersion, now)
	if err != nil {
		return result, fmt.Errorf("failed to record applied operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}
	result.NewVersion = newVersion
	result.ModifiedAt = now
	return result, nil
}

func (s *SQLiteSyncStorage) GetRecord(ctx context.Context, tenantID, entityType, entityID string) (*store.ChangeRecord, error) {
	record := store.ChangeRecord{EntityType: entityType, EntityID: entityID}
	var payload []byte
	var deleted int
	err := s.db.QueryRowContext(ctx, "SELECT server_version, content_hash, payload, modified_at, deleted FROM change_records WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?",
		tenantID, entityType, entityID).Scan(&record.ServerVersion, &record.ContentHash, &payload, &record.ModifiedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	record.Payload = payload
	record.Deleted = deleted != 0
	return &record, nil
}

func (s *SQLiteSyncStorage) ListChanges(ctx context.Context, tenantID string, after store.Cursor, entityTypes []string, limit int) ([]store.ChangeRecord, error) {
	query := "SELECT entity_type, entity_id, server_version, content_hash, payload, modified_at, deleted FROM change_records WHERE tenant_id = ? AND (modified_at > ? OR (modified_at = ? AND entity_id > ?))"
	args := []interface{}{tenantID, after.ModifiedAt, after.ModifiedAt, after.EntityID}
	if len(entityTypes) > 0 {
		query += " AND entity_type IN (?" + strings.Repeat(",?", len(entityTypes)-1) + ")"
		for _, entityType := range entityTypes {
			args = append(args, entityType)
		}
	}
	query += " ORDER BY modified_at, entity_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.ChangeRecord, 0)
	for rows.Next() {
		record := store.ChangeRecord{}
		var payload []byte
		var deleted int
		err = rows.Scan(&record.EntityType, &record.EntityID, &record.ServerVersion, &record.ContentHash, &payload, &record.ModifiedAt, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Payload = payload
		record.Deleted = deleted != 0
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteSyncStorage) CreateConflict(ctx context.Context, tenantID string, conflict *store.Conflict) error {
	serverRecord, err := json.Marshal(conflict.ServerRecord)
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}
	clientOperation, err := json.Marshal(conflict.ClientOperation)
	if err != nil {
		return fmt.Errorf("failed to marshal client operation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO conflicts (tenant_id, id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tenantID, conflict.ID, conflict.EntityType, conflict.EntityID, string(serverRecord), string(clientOperation), conflict.SuggestedResolution, store.ConflictOpen, conflict.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func (s *SQLiteSyncStorage) GetConflict(ctx context.Context, tenantID, conflictID string) (*store.Conflict, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, resolution, merged_data, created_at, resolved_at FROM conflicts WHERE tenant_id = ? AND id = ?",
		tenantID, conflictID)
	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	return conflict, nil
}

func (s *SQLiteSyncStorage) ListOpenConflicts(ctx context.Context, tenantID string) ([]store.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, resolution, merged_data, created_at, resolved_at FROM conflicts WHERE tenant_id = ? AND status = ? ORDER BY created_at, id",
		tenantID, store.ConflictOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]store.Conflict, 0)
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, *conflict)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteSyncStorage) MarkConflictResolved(ctx context.Context, tenantID, conflictID, resolution string, mergedData json.RawMessage, resolvedAt int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow("SELECT status FROM conflicts WHERE tenant_id = ? AND id = ?", tenantID, conflictID).Scan(&status)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get conflict status: %w", err)
	}
	if status == store.ConflictResolved {
		return store.ErrConflictResolved
	}

	var merged interface{}
	if len(mergedData) > 0 {
		merged = string(mergedData)
	}
	_, err = tx.Exec("UPDATE conflicts SET status = ?, resolution = ?, merged_data = ?, resolved_at = ? WHERE tenant_id = ? AND id = ?",
		store.ConflictResolved, resolution, merged, resolvedAt, tenantID, conflictID)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteSyncStorage) LoadSourceIDs(ctx context.Context, provider, entityType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source_id FROM provider_source_ids WHERE provider = ? AND entity_type = ? ORDER BY source_id",
		provider, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query source ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteSyncStorage) SaveSourceIDs(ctx context.Context, provider, entityType string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM provider_source_ids WHERE provider = ? AND entity_type = ?", provider, entityType); err != nil {
		return fmt.Errorf("failed to clear source ids: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("INSERT INTO provider_source_ids (provider, entity_type, source_id) VALUES (?, ?, ?)", provider, entityType, id); err != nil {
			return fmt.Errorf("failed to insert source id: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*store.Conflict, error) {
	conflict := store.Conflict{}
	var serverRecord, clientOperation string
	var resolution, mergedData sql.NullString
	var resolvedAt sql.NullInt64
	err := row.Scan(&conflict.ID, &conflict.EntityType, &conflict.EntityID, &serverRecord, &clientOperation,
		&conflict.SuggestedResolution, &conflict.Status, &resolution, &mergedData, &conflict.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(serverRecord), &conflict.ServerRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server record: %w", err)
	}
	if err := json.Unmarshal([]byte(clientOperation), &conflict.ClientOperation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client operation: %w", err)
	}
	conflict.Resolution = resolution.String
	if mergedData.Valid {
		conflict.MergedData = json.RawMessage(mergedData.String)
	}
	conflict.ResolvedAt = resolvedAt.Int64
	return &conflict, nil
}
