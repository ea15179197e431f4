package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is a backend-independent test suite. Each SyncStorage
// implementation runs it from its own package tests.
type StoreTest struct{}

func testOp(entityType, entityID, kind string, baseVersion int64, payload string) Operation {
	return Operation{
		EntityType:        entityType,
		EntityID:          entityID,
		Kind:              kind,
		Payload:           json.RawMessage(payload),
		BaseVersion:       baseVersion,
		ClientOperationID: uuid.New().String(),
		DeviceID:          "device-1",
		ClientTimestamp:   1000,
	}
}

func (s *StoreTest) TestApplyAndBump(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	result, err := storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindCreate, 0, `{"a":1}`), "h1", 100)
	require.NoError(t, err, "failed to apply create")
	require.Equal(t, int64(1), result.NewVersion)
	require.False(t, result.Replayed)

	result, err = storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindUpdate, 1, `{"a":2}`), "h2", 200)
	require.NoError(t, err, "failed to apply update")
	require.Equal(t, int64(2), result.NewVersion)

	record, err := storage.GetRecord(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to get record")
	require.Equal(t, int64(2), record.ServerVersion)
	require.Equal(t, "h2", record.ContentHash)
	require.Equal(t, int64(200), record.ModifiedAt)
	require.False(t, record.Deleted)
	require.JSONEq(t, `{"a":2}`, string(record.Payload))
}

func (s *StoreTest) TestVersionConflict(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	_, err := storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindCreate, 0, `{"a":1}`), "h1", 100)
	require.NoError(t, err, "failed to apply create")

	_, err = storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindUpdate, 0, `{"a":2}`), "h2", 200)
	require.Equal(t, ErrVersionConflict, err)

	// losing writer must not advance the version
	record, err := storage.GetRecord(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to get record")
	require.Equal(t, int64(1), record.ServerVersion)
}

func (s *StoreTest) TestReplayedOperation(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	op := testOp("note", "n1", KindCreate, 0, `{"a":1}`)
	result, err := storage.Apply(context.Background(), tenantID, op, "h1", 100)
	require.NoError(t, err, "failed to apply create")
	require.Equal(t, int64(1), result.NewVersion)

	replayed, err := storage.Apply(context.Background(), tenantID, op, "h1", 999)
	require.NoError(t, err, "replay should succeed")
	require.True(t, replayed.Replayed)
	require.Equal(t, result.NewVersion, replayed.NewVersion)
	require.Equal(t, result.ModifiedAt, replayed.ModifiedAt)

	record, err := storage.GetRecord(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "failed to get record")
	require.Equal(t, int64(1), record.ServerVersion)
}

func (s *StoreTest) TestNotFound(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	_, err := storage.GetRecord(context.Background(), tenantID, "note", "missing")
	require.Equal(t, ErrNotFound, err)

	_, err = storage.Apply(context.Background(), tenantID, testOp("note", "missing", KindUpdate, 0, `{}`), "h", 100)
	require.Equal(t, ErrNotFound, err)
}

func (s *StoreTest) TestTombstone(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	_, err := storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindCreate, 0, `{"a":1}`), "h1", 100)
	require.NoError(t, err, "failed to apply create")

	result, err := storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindDelete, 1, ""), "", 200)
	require.NoError(t, err, "failed to apply delete")
	require.Equal(t, int64(2), result.NewVersion)

	record, err := storage.GetRecord(context.Background(), tenantID, "note", "n1")
	require.NoError(t, err, "tombstone must remain readable")
	require.True(t, record.Deleted)
	require.Empty(t, record.Payload)

	changes, err := storage.ListChanges(context.Background(), tenantID, Cursor{}, nil, 10)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 1)
	require.True(t, changes[0].Deleted)
}

func (s *StoreTest) TestListOrderingAndCursor(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		_, err := storage.Apply(context.Background(), tenantID, testOp("note", id, KindCreate, 0, `{}`), "h", int64(100+i*10))
		require.NoError(t, err, "failed to apply create %s", id)
	}

	all, err := storage.ListChanges(context.Background(), tenantID, Cursor{}, nil, 100)
	require.NoError(t, err, "failed to list all changes")
	require.Len(t, all, 5)

	// paginated reads concatenate to the unbounded read
	var paged []ChangeRecord
	cursor := Cursor{}
	for {
		page, err := storage.ListChanges(context.Background(), tenantID, cursor, nil, 2)
		require.NoError(t, err, "failed to list page")
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		cursor = CursorFor(page[len(page)-1])
	}
	require.Equal(t, all, paged)
}

func (s *StoreTest) TestListEntityTypeFilter(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	_, err := storage.Apply(context.Background(), tenantID, testOp("note", "n1", KindCreate, 0, `{}`), "h", 100)
	require.NoError(t, err, "failed to apply note create")
	_, err = storage.Apply(context.Background(), tenantID, testOp("assignment", "a1", KindCreate, 0, `{}`), "h", 110)
	require.NoError(t, err, "failed to apply assignment create")

	changes, err := storage.ListChanges(context.Background(), tenantID, Cursor{}, []string{"assignment"}, 10)
	require.NoError(t, err, "failed to list filtered changes")
	require.Len(t, changes, 1)
	require.Equal(t, "assignment", changes[0].EntityType)
}

func (s *StoreTest) TestTenantIsolation(t *testing.T, storage SyncStorage) {
	tenantA := uuid.New().String()
	tenantB := uuid.New().String()

	_, err := storage.Apply(context.Background(), tenantA, testOp("note", "n1", KindCreate, 0, `{}`), "h", 100)
	require.NoError(t, err, "failed to apply create")

	changes, err := storage.ListChanges(context.Background(), tenantB, Cursor{}, nil, 10)
	require.NoError(t, err, "failed to list changes")
	require.Empty(t, changes)
}

func (s *StoreTest) TestConflictLifecycle(t *testing.T, storage SyncStorage) {
	tenantID := uuid.New().String()

	conflict := &Conflict{
		ID:         uuid.New().String(),
		EntityType: "note",
		EntityID:   "n1",
		ServerRecord: ChangeRecord{
			EntityType:    "note",
			EntityID:      "n1",
			ServerVersion: 4,
			ContentHash:   "h4",
			Payload:       json.RawMessage(`{"a":4}`),
			ModifiedAt:    400,
		},
		ClientOperation:     testOp("note", "n1", KindUpdate, 3, `{"a":9}`),
		SuggestedResolution: ResolutionClient,
		Status:              ConflictOpen,
		CreatedAt:           500,
	}
	require.NoError(t, storage.CreateConflict(context.Background(), tenantID, conflict), "failed to create conflict")

	loaded, err := storage.GetConflict(context.Background(), tenantID, conflict.ID)
	require.NoError(t, err, "failed to get conflict")
	require.Equal(t, ConflictOpen, loaded.Status)
	require.Equal(t, conflict.ServerRecord.ServerVersion, loaded.ServerRecord.ServerVersion)
	require.Equal(t, conflict.ClientOperation.ClientOperationID, loaded.ClientOperation.ClientOperationID)

	open, err := storage.ListOpenConflicts(context.Background(), tenantID)
	require.NoError(t, err, "failed to list open conflicts")
	require.Len(t, open, 1)

	err = storage.MarkConflictResolved(context.Background(), tenantID, conflict.ID, ResolutionMerged, json.RawMessage(`{"a":5}`), 600)
	require.NoError(t, err, "failed to resolve conflict")

	resolved, err := storage.GetConflict(context.Background(), tenantID, conflict.ID)
	require.NoError(t, err, "failed to get resolved conflict")
	require.Equal(t, ConflictResolved, resolved.Status)
	require.Equal(t, ResolutionMerged, resolved.Resolution)
	require.JSONEq(t, `{"a":5}`, string(resolved.MergedData))
	require.Equal(t, int64(600), resolved.ResolvedAt)

	// resolved conflicts are immutable history
	err = storage.MarkConflictResolved(context.Background(), tenantID, conflict.ID, ResolutionClient, nil, 700)
	require.Equal(t, ErrConflictResolved, err)

	open, err = storage.ListOpenConflicts(context.Background(), tenantID)
	require.NoError(t, err, "failed to list open conflicts")
	require.Empty(t, open)

	_, err = storage.GetConflict(context.Background(), tenantID, "missing")
	require.Equal(t, ErrNotFound, err)
}

func (s *StoreTest) TestSourceIDs(t *testing.T, storage SyncStorage) {
	provider := fmt.Sprintf("roster-%s", uuid.New().String())

	ids, err := storage.LoadSourceIDs(context.Background(), provider, "student")
	require.NoError(t, err, "failed to load empty snapshot")
	require.Empty(t, ids)

	require.NoError(t, storage.SaveSourceIDs(context.Background(), provider, "student", []string{"s2", "s1"}), "failed to save snapshot")

	ids, err = storage.LoadSourceIDs(context.Background(), provider, "student")
	require.NoError(t, err, "failed to load snapshot")
	require.Equal(t, []string{"s1", "s2"}, ids)

	require.NoError(t, storage.SaveSourceIDs(context.Background(), provider, "student", []string{"s3"}), "failed to overwrite snapshot")

	ids, err = storage.LoadSourceIDs(context.Background(), provider, "student")
	require.NoError(t, err, "failed to reload snapshot")
	require.Equal(t, []string{"s3"}, ids)
}
