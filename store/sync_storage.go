package store

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrVersionConflict = errors.New("version conflict")
var ErrNotFound = errors.New("not found")
var ErrConflictResolved = errors.New("conflict already resolved")

// Operation kinds.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Conflict statuses.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// Conflict resolutions.
const (
	ResolutionClient = "client"
	ResolutionServer = "server"
	ResolutionMerged = "merged"
)

// Operation is a client-submitted change. ClientOperationID is generated by
// the caller and makes retries idempotent. Timestamps are unix milliseconds.
type Operation struct {
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	BaseVersion       int64           `json:"baseVersion"`
	ClientOperationID string          `json:"clientOperationId"`
	DeviceID          string          `json:"deviceId"`
	ClientTimestamp   int64           `json:"clientTimestamp"`
}

// ChangeRecord is the authoritative per-entity bookkeeping row. Deleted
// records are kept as tombstones so delta readers observe deletions.
type ChangeRecord struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ServerVersion int64           `json:"serverVersion"`
	ContentHash   string          `json:"contentHash"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ModifiedAt    int64           `json:"lastModifiedAt"`
	Deleted       bool            `json:"deleted"`
}

// Conflict captures a push rejected on a stale base version. Once resolved it
// is immutable history.
type Conflict struct {
	ID                  string          `json:"id"`
	EntityType          string          `json:"entityType"`
	EntityID            string          `json:"entityId"`
	ServerRecord        ChangeRecord    `json:"serverRecord"`
	ClientOperation     Operation       `json:"clientOperation"`
	SuggestedResolution string          `json:"suggestedResolution"`
	Status              string          `json:"status"`
	Resolution          string          `json:"resolution,omitempty"`
	MergedData          json.RawMessage `json:"mergedData,omitempty"`
	CreatedAt           int64           `json:"createdAt"`
	ResolvedAt          int64           `json:"resolvedAt,omitempty"`
}

// ApplyResult reports the outcome of an accepted apply. Replayed is set when
// the operation's client ID was seen before; the recorded version is returned
// and no new version bump happened.
type ApplyResult struct {
	NewVersion int64 `json:"newVersion"`
	ModifiedAt int64 `json:"modifiedAt"`
	Replayed   bool  `json:"-"`
}

// SyncStorage is the narrow persistence contract for the sync core.
//
// Apply runs the whole version check-and-increment in one serializable
// transaction per entity, so two concurrent applies to the same entity race
// safely: one wins, the other observes ErrVersionConflict. Updating or
// deleting an absent entity yields ErrNotFound.
type SyncStorage interface {
	Apply(ctx context.Context, tenantID string, op Operation, contentHash string, now int64) (ApplyResult, error)
	GetRecord(ctx context.Context, tenantID, entityType, entityID string) (*ChangeRecord, error)
	ListChanges(ctx context.Context, tenantID string, after Cursor, entityTypes []string, limit int) ([]ChangeRecord, error)

	CreateConflict(ctx context.Context, tenantID string, conflict *Conflict) error
	GetConflict(ctx context.Context, tenantID, conflictID string) (*Conflict, error)
	ListOpenConflicts(ctx context.Context, tenantID string) ([]Conflict, error)
	MarkConflictResolved(ctx context.Context, tenantID, conflictID, resolution string, mergedData json.RawMessage, resolvedAt int64) error

	LoadSourceIDs(ctx context.Context, provider, entityType string) ([]string, error)
	SaveSourceIDs(ctx context.Context, provider, entityType string, ids []string) error

	Close() error
}
