package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/classlane/change-sync/eventbus"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/store/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *eventbus.MemoryBus) {
	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err, "failed to open storage")
	t.Cleanup(func() { storage.Close() })

	bus := eventbus.NewMemoryBus()
	t.Cleanup(bus.Close)

	service := New(storage, bus, nil, nil)

	// deterministic, strictly increasing clock
	var tick int64 = 1000
	service.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}
	return service, bus
}

func op(entityType, entityID, kind string, baseVersion int64, payload string) store.Operation {
	o := store.Operation{
		EntityType:        entityType,
		EntityID:          entityID,
		Kind:              kind,
		BaseVersion:       baseVersion,
		ClientOperationID: uuid.New().String(),
		DeviceID:          "device-a",
		ClientTimestamp:   5000,
	}
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	return o
}

func TestPushCreateAndUpdate(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	result, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"title":"hi"}`),
	})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Accepted, 1)
	require.Empty(t, result.Rejected)
	require.Empty(t, result.Conflicts)
	require.Equal(t, int64(1), result.Accepted[0].NewVersion)

	result, err = service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindUpdate, 1, `{"title":"hello"}`),
	})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Accepted, 1)
	require.Equal(t, int64(2), result.Accepted[0].NewVersion)
}

// Entity at version 3: device A pushes baseVersion 3 and wins; device B's
// later push with the same baseVersion must surface a conflict referencing
// version 4, never a silent overwrite.
func TestConcurrentPushConflict(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"v":1}`),
	})
	require.NoError(t, err, "push failed")
	for version := int64(1); version < 3; version++ {
		_, err = service.PushChanges(context.Background(), tenantID, []store.Operation{
			op("note", "n1", store.KindUpdate, version, fmt.Sprintf(`{"v":%d}`, version+1)),
		})
		require.NoError(t, err, "push failed")
	}

	winner := op("note", "n1", store.KindUpdate, 3, `{"v":"P1"}`)
	result, err := service.PushChanges(context.Background(), tenantID, []store.Operation{winner})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Accepted, 1)
	require.Equal(t, int64(4), result.Accepted[0].NewVersion)

	loser := op("note", "n1", store.KindUpdate, 3, `{"v":"P2"}`)
	loser.DeviceID = "device-b"
	result, err = service.PushChanges(context.Background(), tenantID, []store.Operation{loser})
	require.NoError(t, err, "push failed")
	require.Empty(t, result.Accepted)
	require.Len(t, result.Conflicts, 1)

	conflict := result.Conflicts[0]
	require.Equal(t, int64(4), conflict.ServerRecord.ServerVersion)
	require.Equal(t, store.ConflictOpen, conflict.Status)
	require.JSONEq(t, `{"v":"P2"}`, string(conflict.ClientOperation.Payload))

	// the losing push must not have advanced the record
	record, err := service.Record(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to load record")
	require.Equal(t, int64(4), record.ServerVersion)
	require.JSONEq(t, `{"v":"P1"}`, string(record.Payload))
}

func TestPushIdempotence(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	operation := op("note", "n1", store.KindCreate, 0, `{"a":1}`)

	first, err := service.PushChanges(context.Background(), tenantID, []store.Operation{operation})
	require.NoError(t, err, "push failed")
	require.Len(t, first.Accepted, 1)

	second, err := service.PushChanges(context.Background(), tenantID, []store.Operation{operation})
	require.NoError(t, err, "replayed push failed")
	require.Len(t, second.Accepted, 1)
	require.Equal(t, first.Accepted[0], second.Accepted[0])

	record, err := service.Record(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to load record")
	require.Equal(t, int64(1), record.ServerVersion)
}

func TestMalformedOperationDoesNotFailBatch(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	bad := op("note", "", store.KindCreate, 0, `{"a":1}`)
	invalidJSON := op("note", "n2", store.KindCreate, 0, `{"a":`)
	good := op("note", "n1", store.KindCreate, 0, `{"a":1}`)

	result, err := service.PushChanges(context.Background(), tenantID, []store.Operation{bad, invalidJSON, good})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Rejected, 2)
	require.Equal(t, "entityId is required", result.Rejected[0].Reason)
	require.Len(t, result.Accepted, 1)
	require.Equal(t, "n1", result.Accepted[0].EntityID)
}

func TestPullPagination(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
			op("note", id, store.KindCreate, 0, `{}`),
		})
		require.NoError(t, err, "push failed")
	}

	page1, err := service.PullChanges(context.Background(), tenantID, PullRequest{Limit: 2})
	require.NoError(t, err, "pull failed")
	require.Len(t, page1.Changes, 2)
	require.True(t, page1.HasMore)

	page2, err := service.PullChanges(context.Background(), tenantID, PullRequest{Cursor: page1.NextCursor, Limit: 2})
	require.NoError(t, err, "pull failed")
	require.Len(t, page2.Changes, 2)
	require.True(t, page2.HasMore)

	page3, err := service.PullChanges(context.Background(), tenantID, PullRequest{Cursor: page2.NextCursor, Limit: 10})
	require.NoError(t, err, "pull failed")
	require.Len(t, page3.Changes, 1)
	require.False(t, page3.HasMore)

	var paged []string
	for _, page := range [][]store.ChangeRecord{page1.Changes, page2.Changes, page3.Changes} {
		for _, change := range page {
			paged = append(paged, change.EntityID)
		}
	}
	require.Equal(t, ids, paged)

	// resuming from the final cursor yields nothing new
	empty, err := service.PullChanges(context.Background(), tenantID, PullRequest{Cursor: page3.NextCursor})
	require.NoError(t, err, "pull failed")
	require.Empty(t, empty.Changes)
	require.False(t, empty.HasMore)
	require.Equal(t, page3.NextCursor, empty.NextCursor)
}

func TestPullIncludesTombstones(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"a":1}`),
	})
	require.NoError(t, err, "push failed")
	_, err = service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindDelete, 1, ""),
	})
	require.NoError(t, err, "push failed")

	result, err := service.PullChanges(context.Background(), tenantID, PullRequest{})
	require.NoError(t, err, "pull failed")
	require.Len(t, result.Changes, 1)
	require.True(t, result.Changes[0].Deleted)
	require.Equal(t, int64(2), result.Changes[0].ServerVersion)
}

func TestResolveConflictMerged(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"a":1}`),
	})
	require.NoError(t, err, "push failed")

	stale := op("note", "n1", store.KindUpdate, 0, `{"a":2}`)
	result, err := service.PushChanges(context.Background(), tenantID, []store.Operation{stale})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Conflicts, 1)
	conflictID := result.Conflicts[0].ID

	merged := json.RawMessage(`{"a":3}`)
	require.NoError(t, service.ResolveConflict(context.Background(), tenantID, conflictID, store.ResolutionMerged, merged))

	record, err := service.Record(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to load record")
	require.Equal(t, int64(2), record.ServerVersion)
	require.JSONEq(t, `{"a":3}`, string(record.Payload))

	conflicts, err := service.ListConflicts(context.Background(), tenantID)
	require.NoError(t, err, "failed to list conflicts")
	require.Empty(t, conflicts)

	// resolved conflicts cannot be re-resolved
	err = service.ResolveConflict(context.Background(), tenantID, conflictID, store.ResolutionClient, nil)
	require.Equal(t, store.ErrConflictResolved, err)
}

func TestResolveConflictServerWins(t *testing.T) {
	service, _ := newTestService(t)
	tenantID := uuid.New().String()

	_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"a":1}`),
	})
	require.NoError(t, err, "push failed")

	stale := op("note", "n1", store.KindUpdate, 0, `{"a":2}`)
	result, err := service.PushChanges(context.Background(), tenantID, []store.Operation{stale})
	require.NoError(t, err, "push failed")
	require.Len(t, result.Conflicts, 1)

	require.NoError(t, service.ResolveConflict(context.Background(), tenantID, result.Conflicts[0].ID, store.ResolutionServer, nil))

	// server-wins leaves the record untouched
	record, err := service.Record(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to load record")
	require.Equal(t, int64(1), record.ServerVersion)
	require.JSONEq(t, `{"a":1}`, string(record.Payload))
}

func TestPushPublishesChangeEvent(t *testing.T) {
	service, bus := newTestService(t)
	tenantID := uuid.New().String()

	sub := bus.Subscribe(tenantID)
	defer bus.Unsubscribe(sub)

	_, err := service.PushChanges(context.Background(), tenantID, []store.Operation{
		op("note", "n1", store.KindCreate, 0, `{"a":1}`),
	})
	require.NoError(t, err, "push failed")

	select {
	case event := <-sub.Changes:
		require.Equal(t, "note", event.EntityType)
		require.Equal(t, "n1", event.EntityID)
		require.Equal(t, int64(1), event.Version)
		require.Equal(t, "device-a", event.OriginDeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestLastWriteWinsSuggestion(t *testing.T) {
	policy := LastWriteWins{}
	record := &store.ChangeRecord{ModifiedAt: 1000}

	newer := store.Operation{ClientTimestamp: 2000}
	require.Equal(t, store.ResolutionClient, policy.Suggest(record, newer))

	older := store.Operation{ClientTimestamp: 500}
	require.Equal(t, store.ResolutionServer, policy.Suggest(record, older))
}
