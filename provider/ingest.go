package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/classlane/change-sync/metrics"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/syncer"
)

const defaultFetchLimit = 200

type registration struct {
	tenantID string
	provider Provider
}

// Ingestor periodically pulls deltas from registered providers and pushes
// them through the sync service as the provider's own device, so provider
// changes version, conflict and notify exactly like client changes.
type Ingestor struct {
	service  *syncer.Service
	storage  store.SyncStorage
	interval time.Duration
	logger   *log.Logger

	registrations []registration

	mu         sync.Mutex
	watermarks map[string]int64 // provider name to last successful run, unix millis
}

func NewIngestor(service *syncer.Service, storage store.SyncStorage, interval time.Duration, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}
	return &Ingestor{
		service:    service,
		storage:    storage,
		interval:   interval,
		logger:     logger,
		watermarks: make(map[string]int64),
	}
}

// Register adds a provider feeding the given tenant. Must be called before Run.
func (i *Ingestor) Register(tenantID string, p Provider) {
	i.registrations = append(i.registrations, registration{tenantID: tenantID, provider: p})
}

// Run ingests immediately and then on every interval tick until the context
// is canceled.
func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	i.IngestOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.IngestOnce(ctx)
		}
	}
}

// IngestOnce runs every registered provider concurrently. A failing provider
// only skips its own run; the others are unaffected.
func (i *Ingestor) IngestOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, reg := range i.registrations {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			name := reg.provider.Name()
			if err := i.ingestProvider(ctx, reg); err != nil {
				metrics.IngestRuns.WithLabelValues(name, "error").Inc()
				i.logger.Printf("ingest run failed for provider %s: %v", name, err)
				return
			}
			metrics.IngestRuns.WithLabelValues(name, "success").Inc()
		}(reg)
	}
	wg.Wait()
}

func (i *Ingestor) ingestProvider(ctx context.Context, reg registration) error {
	name := reg.provider.Name()

	i.mu.Lock()
	since := i.watermarks[name]
	i.mu.Unlock()
	startedAt := time.Now().UnixMilli()

	for _, entityType := range reg.provider.EntityTypes() {
		if err := i.ingestDeltas(ctx, reg, entityType, since); err != nil {
			return fmt.Errorf("delta ingest for %s failed: %w", entityType, err)
		}
		if err := i.ingestDeletions(ctx, reg, entityType); err != nil {
			return fmt.Errorf("deletion ingest for %s failed: %w", entityType, err)
		}
	}

	// advance the watermark only after a fully successful run, a failed run
	// is retried from the previous watermark
	i.mu.Lock()
	i.watermarks[name] = startedAt
	i.mu.Unlock()
	return nil
}

func (i *Ingestor) ingestDeltas(ctx context.Context, reg registration, entityType string, since int64) error {
	name := reg.provider.Name()
	cursor := ""
	for {
		delta, err := reg.provider.FetchDelta(ctx, entityType, FetchOptions{
			Since:  since,
			Cursor: cursor,
			Limit:  defaultFetchLimit,
		})
		if err != nil {
			return err
		}

		ops := make([]store.Operation, 0, len(delta.Records))
		for _, record := range delta.Records {
			op, skip, err := i.buildOperation(ctx, reg, entityType, record)
			if err != nil {
				return err
			}
			if !skip {
				ops = append(ops, op)
			}
		}
		if err := i.push(ctx, reg.tenantID, name, ops); err != nil {
			return err
		}

		if !delta.HasMore {
			return nil
		}
		cursor = delta.NextCursor
	}
}

// buildOperation turns a source delta into a sync operation against the
// current record version. Updates whose content hash matches the stored
// record are suppressed, a provider re-reporting unchanged rows must not
// bump versions or wake clients.
func (i *Ingestor) buildOperation(ctx context.Context, reg registration, entityType string, record DeltaRecord) (store.Operation, bool, error) {
	name := reg.provider.Name()

	current, err := i.service.Record(ctx, reg.tenantID, entityType, record.SourceID)
	if err != nil && err != store.ErrNotFound {
		return store.Operation{}, false, err
	}
	exists := err == nil

	op := store.Operation{
		EntityType:      entityType,
		EntityID:        record.SourceID,
		DeviceID:        deviceID(name),
		ClientTimestamp: record.SourceTimestamp,
	}

	switch record.Operation {
	case DeltaDelete:
		if !exists || current.Deleted {
			return store.Operation{}, true, nil
		}
		op.Kind = store.KindDelete
		op.BaseVersion = current.ServerVersion
		op.ClientOperationID = fmt.Sprintf("%s:%s:%s:delete:%d", name, entityType, record.SourceID, current.ServerVersion)

	case DeltaUpdate:
		hash, err := syncer.ContentHash(record.SourceData)
		if err != nil {
			return store.Operation{}, false, fmt.Errorf("invalid source data for %s/%s: %w", entityType, record.SourceID, err)
		}
		if exists && !current.Deleted && current.ContentHash == hash {
			return store.Operation{}, true, nil
		}
		op.Payload = record.SourceData
		if exists {
			op.Kind = store.KindUpdate
			op.BaseVersion = current.ServerVersion
		} else {
			op.Kind = store.KindCreate
		}
		// deterministic ID so a re-fetch of the same content replays instead
		// of double-applying; the base version keeps the ID fresh when
		// content reverts to an earlier hash
		op.ClientOperationID = fmt.Sprintf("%s:%s:%s:%d:%s", name, entityType, record.SourceID, op.BaseVersion, hash)

	default:
		return store.Operation{}, false, fmt.Errorf("unknown delta operation %q", record.Operation)
	}
	return op, false, nil
}

// ingestDeletions diffs the provider's live source IDs against the snapshot
// taken on the previous run. IDs gone from the source are deleted exactly
// once; the snapshot is saved only after the deletes are applied.
func (i *Ingestor) ingestDeletions(ctx context.Context, reg registration, entityType string) error {
	name := reg.provider.Name()

	current, err := reg.provider.ListSourceIDs(ctx, entityType)
	if err != nil {
		return err
	}
	previous, err := i.storage.LoadSourceIDs(ctx, name, entityType)
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(current))
	for _, id := range current {
		live[id] = struct{}{}
	}

	var ops []store.Operation
	for _, id := range previous {
		if _, ok := live[id]; ok {
			continue
		}
		op, skip, err := i.buildOperation(ctx, reg, entityType, DeltaRecord{
			SourceID:        id,
			Operation:       DeltaDelete,
			SourceTimestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		if !skip {
			ops = append(ops, op)
		}
	}
	if err := i.push(ctx, reg.tenantID, name, ops); err != nil {
		return err
	}

	return i.storage.SaveSourceIDs(ctx, name, entityType, current)
}

func (i *Ingestor) push(ctx context.Context, tenantID, name string, ops []store.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	result, err := i.service.PushChanges(ctx, tenantID, ops)
	if err != nil {
		return err
	}
	for _, rejected := range result.Rejected {
		i.logger.Printf("provider %s: rejected %s/%s: %s", name, rejected.EntityType, rejected.EntityID, rejected.Reason)
	}
	// a conflict here means a client raced the ingest; it stays open for a
	// client or operator to resolve
	for _, conflict := range result.Conflicts {
		i.logger.Printf("provider %s: conflict on %s/%s", name, conflict.EntityType, conflict.EntityID)
	}
	return nil
}

// deviceID is the origin device recorded for a provider's changes. Clients
// treat it like any other foreign device.
func deviceID(name string) string {
	return "provider:" + name
}
