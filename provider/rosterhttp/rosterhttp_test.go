package rosterhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/classlane/change-sync/provider"
	"github.com/stretchr/testify/require"
)

func TestFetchDeltaMapsRecords(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/student/delta", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"records": [
				{"id": "s1", "data": {"name": "Ada"}, "updatedAt": 1000},
				{"id": "s2", "deleted": true, "updatedAt": 2000}
			],
			"nextCursor": "c1",
			"hasMore": true
		}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "token-1", EntityTypes: []string{"student"}})
	delta, err := client.FetchDelta(context.Background(), "student", provider.FetchOptions{Since: 500, Cursor: "c0", Limit: 50})
	require.NoError(t, err, "fetch failed")

	require.Equal(t, "cursor=c0&limit=50&since=500", gotQuery)
	require.True(t, delta.HasMore)
	require.Equal(t, "c1", delta.NextCursor)
	require.Len(t, delta.Records, 2)
	require.Equal(t, provider.DeltaUpdate, delta.Records[0].Operation)
	require.JSONEq(t, `{"name":"Ada"}`, string(delta.Records[0].SourceData))
	require.Equal(t, provider.DeltaDelete, delta.Records[1].Operation)
	require.Equal(t, int64(2000), delta.Records[1].SourceTimestamp)
}

func TestListSourceIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/student/ids", r.URL.Path)
		w.Write([]byte(`{"ids": ["s1", "s2"]}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "token-1"})
	ids, err := client.ListSourceIDs(context.Background(), "student")
	require.NoError(t, err, "list failed")
	require.Equal(t, []string{"s1", "s2"}, ids)
}

func TestRefreshesTokenOn401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ids": ["s1"]}`))
	}))
	defer server.Close()

	refreshes := 0
	client := New(Config{
		BaseURL: server.URL,
		Token:   "stale",
		RefreshToken: func(ctx context.Context) (string, error) {
			refreshes++
			return "fresh", nil
		},
	})

	ids, err := client.ListSourceIDs(context.Background(), "student")
	require.NoError(t, err, "refresh retry failed")
	require.Equal(t, []string{"s1"}, ids)
	require.Equal(t, 1, refreshes)

	// the refreshed token is kept for subsequent calls
	_, err = client.ListSourceIDs(context.Background(), "student")
	require.NoError(t, err)
	require.Equal(t, 1, refreshes)
}

func TestStaticTokenFailsFastOn401(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "stale"})
	_, err := client.ListSourceIDs(context.Background(), "student")
	require.Error(t, err)
	require.Equal(t, int32(1), requests.Load(), "401 without a refresh hook must not retry")
}

func TestRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ids": []}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "token-1"})
	_, err := client.ListSourceIDs(context.Background(), "student")
	require.NoError(t, err, "transient 502 should be retried")
	require.Equal(t, int32(2), requests.Load())
}

func TestClientErrorIsFinal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, Token: "token-1"})
	_, err := client.ListSourceIDs(context.Background(), "student")
	require.Error(t, err)
	require.Equal(t, int32(1), requests.Load())
}
