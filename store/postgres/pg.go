package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/classlane/change-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
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

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Apply(ctx context.Context, tenantID string, op store.Operation, contentHash string, now int64) (store.ApplyResult, error) {
	var result store.ApplyResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	err = tx.QueryRow(ctx, "SELECT new_version, modified_at FROM applied_operations WHERE tenant_id = $1 AND client_operation_id = $2",
		tenantID, op.ClientOperationID).Scan(&result.NewVersion, &result.ModifiedAt)
	if err != pgx.ErrNoRows {
		if err != nil {
			return result, fmt.Errorf("failed to check applied operations: %w", err)
		}
		result.Replayed = true
		return result, nil
	}

	var currentVersion int64
	haveRecord := true
	err = tx.QueryRow(ctx, "SELECT server_version FROM change_records WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3",
		tenantID, op.EntityType, op.EntityID).Scan(&currentVersion)
	if err == pgx.ErrNoRows {
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
	deleted := false
	if op.Kind == store.KindDelete {
		deleted = true
		payload = nil
		contentHash = ""
	}

	_, err = tx.Exec(ctx, "INSERT INTO change_records (tenant_id, entity_type, entity_id, server_version, content_hash, payload, modified_at, deleted) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET server_version=EXCLUDED.server_version, content_hash=EXCLUDED.content_hash, payload=EXCLUDED.payload, modified_at=EXCLUDED.modified_at, deleted=EXCLUDED.deleted",
		tenantID, op.EntityType, op.EntityID, newVersion, contentHash, payload, now, deleted)
	if err != nil {
		return result, fmt.Errorf("failed to insert record: %w", err)
	}

	_, err = tx.Exec(ctx, "INSERT INTO applied_operations (tenant_id, client_operation_id, new_version, modified_at) VALUES ($1, $2, $3, $4)",
		tenantID, op.ClientOperationID, newVersion, now)
	if err != nil {
		return result, fmt.Errorf("failed to record applied operation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}
	result.NewVersion = newVersion
	result.ModifiedAt = now
	return result, nil
}

func (s *PgSyncStorage) GetRecord(ctx context.Context, tenantID, entityType, entityID string) (*store.ChangeRecord, error) {
	record := store.ChangeRecord{EntityType: entityType, EntityID: entityID}
	var payload []byte
	err := s.db.QueryRow(ctx, "SELECT server_version, content_hash, payload, modified_at, deleted FROM change_records WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3",
		tenantID, entityType, entityID).Scan(&record.ServerVersion, &record.ContentHash, &payload, &record.ModifiedAt, &record.Deleted)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	record.Payload = payload
	return &record, nil
}

func (s *PgSyncStorage) ListChanges(ctx context.Context, tenantID string, after store.Cursor, entityTypes []string, limit int) ([]store.ChangeRecord, error) {
	query := "SELECT entity_type, entity_id, server_version, content_hash, payload, modified_at, deleted FROM change_records WHERE tenant_id = $1 AND (modified_at > $2 OR (modified_at = $2 AND entity_id > $3))"
	args := []interface{}{tenantID, after.ModifiedAt, after.EntityID}
	if len(entityTypes) > 0 {
		placeholders := make([]string, len(entityTypes))
		for i, entityType := range entityTypes {
			args = append(args, entityType)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND entity_type IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += fmt.Sprintf(" ORDER BY modified_at, entity_id LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.ChangeRecord, 0)
	for rows.Next() {
		record := store.ChangeRecord{}
		var payload []byte
		err = rows.Scan(&record.EntityType, &record.EntityID, &record.ServerVersion, &record.ContentHash, &payload, &record.ModifiedAt, &record.Deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Payload = payload
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PgSyncStorage) CreateConflict(ctx context.Context, tenantID string, conflict *store.Conflict) error {
	serverRecord, err := json.Marshal(conflict.ServerRecord)
	if err != nil {
		return fmt.Errorf("failed to marshal server record: %w", err)
	}
	clientOperation, err := json.Marshal(conflict.ClientOperation)
	if err != nil {
		return fmt.Errorf("failed to marshal client operation: %w", err)
	}
	_, err = s.db.Exec(ctx, "INSERT INTO conflicts (tenant_id, id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		tenantID, conflict.ID, conflict.EntityType, conflict.EntityID, string(serverRecord), string(clientOperation), conflict.SuggestedResolution, store.ConflictOpen, conflict.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func (s *PgSyncStorage) GetConflict(ctx context.Context, tenantID, conflictID string) (*store.Conflict, error) {
	row := s.db.QueryRow(ctx, "SELECT id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, resolution, merged_data, created_at, resolved_at FROM conflicts WHERE tenant_id = $1 AND id = $2",
		tenantID, conflictID)
	conflict, err := scanConflict(row)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	return conflict, nil
}

func (s *PgSyncStorage) ListOpenConflicts(ctx context.Context, tenantID string) ([]store.Conflict, error) {
	rows, err := s.db.Query(ctx, "SELECT id, entity_type, entity_id, server_record, client_operation, suggested_resolution, status, resolution, merged_data, created_at, resolved_at FROM conflicts WHERE tenant_id = $1 AND status = $2 ORDER BY created_at, id",
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

func (s *PgSyncStorage) MarkConflictResolved(ctx context.Context, tenantID, conflictID, resolution string, mergedData json.RawMessage, resolvedAt int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	var status string
	err = tx.QueryRow(ctx, "SELECT status FROM conflicts WHERE tenant_id = $1 AND id = $2", tenantID, conflictID).Scan(&status)
	if err == pgx.ErrNoRows {
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
	_, err = tx.Exec(ctx, "UPDATE conflicts SET status = $1, resolution = $2, merged_data = $3, resolved_at = $4 WHERE tenant_id = $5 AND id = $6",
		store.ConflictResolved, resolution, merged, resolvedAt, tenantID, conflictID)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PgSyncStorage) LoadSourceIDs(ctx context.Context, provider, entityType string) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT source_id FROM provider_source_ids WHERE provider = $1 AND entity_type = $2 ORDER BY source_id",
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

func (s *PgSyncStorage) SaveSourceIDs(ctx context.Context, provider, entityType string, ids []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, "DELETE FROM provider_source_ids WHERE provider = $1 AND entity_type = $2", provider, entityType); err != nil {
		return fmt.Errorf("failed to clear source ids: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(ctx, "INSERT INTO provider_source_ids (provider, entity_type, source_id) VALUES ($1, $2, $3)", provider, entityType, id); err != nil {
			return fmt.Errorf("failed to insert source id: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*store.Conflict, error) {
	conflict := store.Conflict{}
	var serverRecord, clientOperation string
	var resolution, mergedData *string
	var resolvedAt *int64
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
	if resolution != nil {
		conflict.Resolution = *resolution
	}
	if mergedData != nil {
		conflict.MergedData = json.RawMessage(*mergedData)
	}
	if resolvedAt != nil {
		conflict.ResolvedAt = *resolvedAt
	}
	return &conflict, nil
}
