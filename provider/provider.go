// Package provider ingests change deltas from external systems of record into
// the sync store, so externally-owned data flows to clients through the same
// push, pull and notification machinery as client-owned data.
package provider

import (
	"context"
	"encoding/json"
)

// Delta operations reported by a provider.
const (
	DeltaUpdate = "update"
	DeltaDelete = "delete"
)

// DeltaRecord is one changed source row. SourceData is the full current state
// of the row, not a patch. SourceTimestamp is unix milliseconds.
type DeltaRecord struct {
	SourceID        string          `json:"sourceId"`
	Operation       string          `json:"operation"`
	SourceData      json.RawMessage `json:"sourceData,omitempty"`
	SourceTimestamp int64           `json:"sourceTimestamp"`
}

type DeltaResponse struct {
	Records    []DeltaRecord `json:"records"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// FetchOptions scopes a delta fetch. Since is a unix-millisecond lower bound;
// Cursor resumes a paginated fetch within one ingest run.
type FetchOptions struct {
	Since  int64
	Cursor string
	Limit  int
}

// Provider adapts one external system of record. Implementations must be safe
// for use from a single ingest goroutine; they are never called concurrently
// for the same provider.
//
// ListSourceIDs returns every live source ID for an entity type and is the
// basis for deletion detection: IDs that disappear between runs are ingested
// as deletes. Providers that report deletions in FetchDelta may return all
// current IDs anyway; the diff is then empty.
type Provider interface {
	Name() string
	EntityTypes() []string
	FetchDelta(ctx context.Context, entityType string, opts FetchOptions) (*DeltaResponse, error)
	ListSourceIDs(ctx context.Context, entityType string) ([]string, error)
}
