package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/classlane/change-sync/config"
	"github.com/classlane/change-sync/eventbus"
	"github.com/classlane/change-sync/gateway"
	"github.com/classlane/change-sync/middleware"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/store/sqlite"
	"github.com/classlane/change-sync/syncer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newServerTest(t *testing.T) *httptest.Server {
	cfg := &config.Config{HeartbeatInterval: 1, HeartbeatTimeout: 60}

	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err, "failed to open storage")
	t.Cleanup(func() { storage.Close() })

	bus := eventbus.NewMemoryBus()
	service := syncer.New(storage, bus, nil, nil)
	gw := gateway.NewGateway(cfg, service, bus, nil)

	server := httptest.NewServer(NewSyncServer(cfg, service, gw).Handler())
	t.Cleanup(func() {
		server.Close()
		gw.Shutdown()
		bus.Close()
	})
	return server
}

func doSigned(t *testing.T, key *btcec.PrivateKey, tenantID, deviceID, method, url string, body any) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	requestTime := fmt.Sprint(time.Now().UnixMilli())
	signature, err := middleware.SignMessage(key, []byte(middleware.SignRequest(tenantID, deviceID, "", requestTime)))
	require.NoError(t, err, "failed to sign request")
	req.Header.Set(middleware.TenantIDHeader, tenantID)
	req.Header.Set(middleware.DeviceIDHeader, deviceID)
	req.Header.Set(middleware.RequestTimeHeader, requestTime)
	req.Header.Set(middleware.SignatureHeader, signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "request failed")
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), "failed to decode response")
	return out
}

func restOperation(entityType, entityID, kind string, baseVersion int64, payload string) store.Operation {
	o := store.Operation{
		EntityType:        entityType,
		EntityID:          entityID,
		Kind:              kind,
		BaseVersion:       baseVersion,
		ClientOperationID: uuid.New().String(),
		ClientTimestamp:   time.Now().UnixMilli(),
	}
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	return o
}

func TestPushPullRoundTrip(t *testing.T) {
	server := newServerTest(t)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tenantID := uuid.New().String()

	resp := doSigned(t, key, tenantID, "device-a", http.MethodPost, server.URL+"/sync/push", pushRequest{
		Operations: []store.Operation{restOperation("note", "n1", store.KindCreate, 0, `{"title":"hi"}`)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pushed := decodeBody[syncer.PushResult](t, resp)
	require.Len(t, pushed.Accepted, 1)
	require.Equal(t, int64(1), pushed.Accepted[0].NewVersion)

	resp = doSigned(t, key, tenantID, "device-b", http.MethodGet, server.URL+"/sync/pull?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pulled := decodeBody[syncer.PullResult](t, resp)
	require.Len(t, pulled.Changes, 1)
	require.Equal(t, "n1", pulled.Changes[0].EntityID)
	require.False(t, pulled.HasMore)
	require.NotEmpty(t, pulled.NextCursor)
}

func TestPushRequiresAuthentication(t *testing.T) {
	server := newServerTest(t)

	resp, err := http.Post(server.URL+"/sync/push", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPullRejectsMalformedCursor(t *testing.T) {
	server := newServerTest(t)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	resp := doSigned(t, key, uuid.New().String(), "device-a", http.MethodGet, server.URL+"/sync/pull?cursor=%21%21", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveConflictEndpoint(t *testing.T) {
	server := newServerTest(t)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tenantID := uuid.New().String()

	resp := doSigned(t, key, tenantID, "device-a", http.MethodPost, server.URL+"/sync/push", pushRequest{
		Operations: []store.Operation{restOperation("note", "n1", store.KindCreate, 0, `{"a":1}`)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doSigned(t, key, tenantID, "device-b", http.MethodPost, server.URL+"/sync/push", pushRequest{
		Operations: []store.Operation{restOperation("note", "n1", store.KindUpdate, 0, `{"a":2}`)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pushed := decodeBody[syncer.PushResult](t, resp)
	require.Len(t, pushed.Conflicts, 1)
	conflictID := pushed.Conflicts[0].ID

	resp = doSigned(t, key, tenantID, "device-b", http.MethodGet, server.URL+"/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[map[string][]store.Conflict](t, resp)
	require.Len(t, listed["conflicts"], 1)

	resolveURL := server.URL + "/sync/conflicts/" + conflictID + "/resolve"
	resp = doSigned(t, key, tenantID, "device-b", http.MethodPost, resolveURL, resolveRequest{Resolution: store.ResolutionClient})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// repeated resolution is rejected
	resp = doSigned(t, key, tenantID, "device-b", http.MethodPost, resolveURL, resolveRequest{Resolution: store.ResolutionServer})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// unknown conflict
	resp = doSigned(t, key, tenantID, "device-b", http.MethodPost, server.URL+"/sync/conflicts/nope/resolve", resolveRequest{Resolution: store.ResolutionServer})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newServerTest(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
