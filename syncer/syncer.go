// Package syncer orchestrates the optimistic-concurrency push/pull protocol:
// applying client operations against the change store, surfacing stale-base
// pushes as conflicts, serving cursor-resumable delta reads and publishing
// accepted changes to the event bus.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/classlane/change-sync/eventbus"
	"github.com/classlane/change-sync/metrics"
	"github.com/classlane/change-sync/store"
	"github.com/google/uuid"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 500

	// concurrent writers can bump the version between the read and the
	// re-apply of a conflict resolution; retry a few times before giving up
	resolveRetries = 3
)

type AcceptedChange struct {
	EntityType        string `json:"entityType"`
	EntityID          string `json:"entityId"`
	ClientOperationID string `json:"clientOperationId"`
	NewVersion        int64  `json:"newVersion"`
	ModifiedAt        int64  `json:"modifiedAt"`
}

type RejectedChange struct {
	EntityType        string `json:"entityType"`
	EntityID          string `json:"entityId"`
	ClientOperationID string `json:"clientOperationId"`
	Reason            string `json:"reason"`
}

type PushResult struct {
	Accepted        []AcceptedChange `json:"accepted"`
	Rejected        []RejectedChange `json:"rejected"`
	Conflicts       []store.Conflict `json:"conflicts"`
	ServerTimestamp int64            `json:"serverTimestamp"`
}

type PullRequest struct {
	Cursor      string   `json:"cursor,omitempty"`
	Since       int64    `json:"since,omitempty"`
	EntityTypes []string `json:"entityTypes,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

type PullResult struct {
	Changes    []store.ChangeRecord `json:"changes"`
	HasMore    bool                 `json:"hasMore"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

type Service struct {
	storage store.SyncStorage
	bus     eventbus.Bus
	policy  ResolutionPolicy
	logger  *log.Logger

	DefaultPullLimit int
	MaxPullLimit     int

	now func() time.Time
}

func New(storage store.SyncStorage, bus eventbus.Bus, policy ResolutionPolicy, logger *log.Logger) *Service {
	if policy == nil {
		policy = LastWriteWins{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Service{
		storage:          storage,
		bus:              bus,
		policy:           policy,
		logger:           logger,
		DefaultPullLimit: defaultPullLimit,
		MaxPullLimit:     maxPullLimit,
		now:              time.Now,
	}
}

// PushChanges applies a batch of client operations, each independently. A
// malformed operation is rejected on its own; a stale base version becomes a
// Conflict; neither stops the remaining operations. Only a storage failure
// aborts the batch.
func (s *Service) PushChanges(ctx context.Context, tenantID string, ops []store.Operation) (*PushResult, error) {
	result := &PushResult{
		Accepted:  []AcceptedChange{},
		Rejected:  []RejectedChange{},
		Conflicts: []store.Conflict{},
	}

	for _, op := range ops {
		if reason := validateOperation(op); reason != "" {
			metrics.PushOperations.WithLabelValues("rejected").Inc()
			result.Rejected = append(result.Rejected, RejectedChange{
				EntityType:        op.EntityType,
				EntityID:          op.EntityID,
				ClientOperationID: op.ClientOperationID,
				Reason:            reason,
			})
			continue
		}

		contentHash := ""
		if op.Kind != store.KindDelete {
			hash, err := ContentHash(op.Payload)
			if err != nil {
				metrics.PushOperations.WithLabelValues("rejected").Inc()
				result.Rejected = append(result.Rejected, RejectedChange{
					EntityType:        op.EntityType,
					EntityID:          op.EntityID,
					ClientOperationID: op.ClientOperationID,
					Reason:            err.Error(),
				})
				continue
			}
			contentHash = hash
		}

		now := s.now().UnixMilli()
		applied, err := s.storage.Apply(ctx, tenantID, op, contentHash, now)
		switch err {
		case nil:
			result.Accepted = append(result.Accepted, AcceptedChange{
				EntityType:        op.EntityType,
				EntityID:          op.EntityID,
				ClientOperationID: op.ClientOperationID,
				NewVersion:        applied.NewVersion,
				ModifiedAt:        applied.ModifiedAt,
			})
			if applied.Replayed {
				metrics.PushOperations.WithLabelValues("replayed").Inc()
				continue
			}
			metrics.PushOperations.WithLabelValues("accepted").Inc()
			s.publishChange(ctx, tenantID, op, applied)

		case store.ErrVersionConflict:
			conflict, cerr := s.createConflict(ctx, tenantID, op)
			if cerr != nil {
				return nil, cerr
			}
			metrics.PushOperations.WithLabelValues("conflict").Inc()
			result.Conflicts = append(result.Conflicts, *conflict)

		case store.ErrNotFound:
			metrics.PushOperations.WithLabelValues("rejected").Inc()
			result.Rejected = append(result.Rejected, RejectedChange{
				EntityType:        op.EntityType,
				EntityID:          op.EntityID,
				ClientOperationID: op.ClientOperationID,
				Reason:            "entity does not exist",
			})

		default:
			return nil, fmt.Errorf("failed to apply operation %s: %w", op.ClientOperationID, err)
		}
	}

	result.ServerTimestamp = s.now().UnixMilli()
	return result, nil
}

func (s *Service) createConflict(ctx context.Context, tenantID string, op store.Operation) (*store.Conflict, error) {
	current, err := s.storage.GetRecord(ctx, tenantID, op.EntityType, op.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record for conflict: %w", err)
	}

	conflict := &store.Conflict{
		ID:                  uuid.New().String(),
		EntityType:          op.EntityType,
		EntityID:            op.EntityID,
		ServerRecord:        *current,
		ClientOperation:     op,
		SuggestedResolution: s.policy.Suggest(current, op),
		Status:              store.ConflictOpen,
		CreatedAt:           s.now().UnixMilli(),
	}
	if err := s.storage.CreateConflict(ctx, tenantID, conflict); err != nil {
		return nil, fmt.Errorf("failed to create conflict: %w", err)
	}

	if err := s.bus.PublishConflict(ctx, eventbus.ConflictEvent{
		TenantID:            tenantID,
		ConflictID:          conflict.ID,
		EntityType:          conflict.EntityType,
		EntityID:            conflict.EntityID,
		OriginDeviceID:      op.DeviceID,
		SuggestedResolution: conflict.SuggestedResolution,
	}); err != nil {
		s.logger.Printf("failed to publish conflict %s: %v", conflict.ID, err)
	}
	return conflict, nil
}

func (s *Service) publishChange(ctx context.Context, tenantID string, op store.Operation, applied store.ApplyResult) {
	event := eventbus.ChangeEvent{
		TenantID:       tenantID,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Version:        applied.NewVersion,
		Deleted:        op.Kind == store.KindDelete,
		ModifiedAt:     applied.ModifiedAt,
		OriginDeviceID: op.DeviceID,
	}
	if !event.Deleted {
		event.Payload = op.Payload
	}
	if err := s.bus.PublishChange(ctx, event); err != nil {
		s.logger.Printf("failed to publish change for %s/%s: %v", op.EntityType, op.EntityID, err)
	}
}

// PullChanges reads changes, tombstones included, strictly after the cursor
// in (lastModifiedAt, entityId) order. The returned cursor resumes the scan;
// concatenated pages equal one unbounded read.
func (s *Service) PullChanges(ctx context.Context, tenantID string, req PullRequest) (*PullResult, error) {
	metrics.PullRequests.Inc()

	limit := req.Limit
	if limit <= 0 {
		limit = s.DefaultPullLimit
	}
	if limit > s.MaxPullLimit {
		limit = s.MaxPullLimit
	}

	cursor, err := store.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	if cursor.IsZero() && req.Since > 0 {
		cursor = store.Cursor{ModifiedAt: req.Since}
	}

	// limit+1 to detect whether more changes remain beyond this page
	changes, err := s.storage.ListChanges(ctx, tenantID, cursor, req.EntityTypes, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}

	nextCursor := req.Cursor
	if len(changes) > 0 {
		nextCursor = store.CursorFor(changes[len(changes)-1]).Encode()
	}

	return &PullResult{
		Changes:    changes,
		HasMore:    hasMore,
		NextCursor: nextCursor,
	}, nil
}

// ResolveConflict applies the chosen payload as a fresh accepted apply on top
// of whatever the current version is, then closes the conflict. A server-wins
// resolution leaves the record untouched; the entity's version simply skips
// ahead of the loser's base.
func (s *Service) ResolveConflict(ctx context.Context, tenantID, conflictID, resolution string, mergedData json.RawMessage) error {
	conflict, err := s.storage.GetConflict(ctx, tenantID, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status == store.ConflictResolved {
		return store.ErrConflictResolved
	}

	var payload json.RawMessage
	kind := store.KindUpdate
	switch resolution {
	case store.ResolutionServer:
		// keep the server record as-is, no apply
	case store.ResolutionClient:
		payload = conflict.ClientOperation.Payload
		if conflict.ClientOperation.Kind == store.KindDelete {
			kind = store.KindDelete
		}
	case store.ResolutionMerged:
		if len(mergedData) == 0 {
			return fmt.Errorf("merged resolution requires mergedData")
		}
		payload = mergedData
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if resolution != store.ResolutionServer {
		if err := s.applyResolution(ctx, tenantID, conflict, kind, payload); err != nil {
			return err
		}
	}

	if err := s.storage.MarkConflictResolved(ctx, tenantID, conflictID, resolution, mergedData, s.now().UnixMilli()); err != nil {
		return err
	}
	metrics.ConflictsResolved.WithLabelValues(resolution).Inc()
	return nil
}

func (s *Service) applyResolution(ctx context.Context, tenantID string, conflict *store.Conflict, kind string, payload json.RawMessage) error {
	contentHash := ""
	if kind != store.KindDelete {
		hash, err := ContentHash(payload)
		if err != nil {
			return err
		}
		contentHash = hash
	}

	for attempt := 0; attempt < resolveRetries; attempt++ {
		current, err := s.storage.GetRecord(ctx, tenantID, conflict.EntityType, conflict.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load record for resolution: %w", err)
		}

		op := store.Operation{
			EntityType:        conflict.EntityType,
			EntityID:          conflict.EntityID,
			Kind:              kind,
			Payload:           payload,
			BaseVersion:       current.ServerVersion,
			ClientOperationID: fmt.Sprintf("resolve:%s:%d", conflict.ID, attempt),
			DeviceID:          conflict.ClientOperation.DeviceID,
			ClientTimestamp:   s.now().UnixMilli(),
		}
		applied, err := s.storage.Apply(ctx, tenantID, op, contentHash, s.now().UnixMilli())
		if err == store.ErrVersionConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply resolution: %w", err)
		}
		if !applied.Replayed {
			s.publishChange(ctx, tenantID, op, applied)
		}
		return nil
	}
	return fmt.Errorf("failed to apply resolution for conflict %s: too many concurrent writers", conflict.ID)
}

// ListConflicts returns the tenant's open conflicts.
func (s *Service) ListConflicts(ctx context.Context, tenantID string) ([]store.Conflict, error) {
	return s.storage.ListOpenConflicts(ctx, tenantID)
}

// Record returns the current authoritative record, tombstones included.
// Ingestion uses it to compare content hashes before pushing.
func (s *Service) Record(ctx context.Context, tenantID, entityType, entityID string) (*store.ChangeRecord, error) {
	return s.storage.GetRecord(ctx, tenantID, entityType, entityID)
}

func validateOperation(op store.Operation) string {
	if op.EntityType == "" {
		return "entityType is required"
	}
	if op.EntityID == "" {
		return "entityId is required"
	}
	if op.ClientOperationID == "" {
		return "clientOperationId is required"
	}
	switch op.Kind {
	case store.KindCreate, store.KindUpdate:
		if len(op.Payload) == 0 {
			return "payload is required"
		}
	case store.KindDelete:
	default:
		return fmt.Sprintf("unknown operation kind %q", op.Kind)
	}
	return ""
}
