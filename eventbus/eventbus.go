// Package eventbus fans accepted changes and new conflicts out to every
// server instance holding a connection for the affected tenant. Delivery is
// fire-and-forget: the store stays authoritative and clients recover missed
// notifications through pull.
package eventbus

import (
	"context"
	"encoding/json"
)

// ChangeEvent announces an accepted apply. OriginDeviceID identifies the
// device whose push produced the change, for echo suppression downstream.
type ChangeEvent struct {
	TenantID       string          `json:"tenantId"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Version        int64           `json:"version"`
	Deleted        bool            `json:"deleted"`
	ModifiedAt     int64           `json:"modifiedAt"`
	OriginDeviceID string          `json:"originDeviceId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ConflictEvent announces a conflict created on a rejected push.
type ConflictEvent struct {
	TenantID            string `json:"tenantId"`
	ConflictID          string `json:"conflictId"`
	EntityType          string `json:"entityType"`
	EntityID            string `json:"entityId"`
	OriginDeviceID      string `json:"originDeviceId"`
	SuggestedResolution string `json:"suggestedResolution"`
}

// Subscription delivers one tenant's events over typed channels, one channel
// per event kind. Both channels are closed on Unsubscribe.
type Subscription struct {
	id        int64
	tenantID  string
	Changes   chan ChangeEvent
	Conflicts chan ConflictEvent
}

type Bus interface {
	PublishChange(ctx context.Context, event ChangeEvent) error
	PublishConflict(ctx context.Context, event ConflictEvent) error
	Subscribe(tenantID string) *Subscription
	Unsubscribe(sub *Subscription)
	Close()
}
