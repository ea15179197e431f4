package gateway

import (
	"encoding/json"

	"github.com/classlane/change-sync/store"
)

// MessageType enumerates the realtime protocol message kinds. Inbound
// dispatch switches over every case so a new kind is a compile-time-checked
// addition, not a dispatch-table entry.
type MessageType string

const (
	MessageTypePing                 MessageType = "PING"
	MessageTypePong                 MessageType = "PONG"
	MessageTypeSubscribe            MessageType = "SUBSCRIBE"
	MessageTypeUnsubscribe          MessageType = "UNSUBSCRIBE"
	MessageTypePushChange           MessageType = "PUSH_CHANGE"
	MessageTypePullChanges          MessageType = "PULL_CHANGES"
	MessageTypeResolveConflict      MessageType = "RESOLVE_CONFLICT"
	MessageTypeChangeNotification   MessageType = "CHANGE_NOTIFICATION"
	MessageTypeConflictNotification MessageType = "CONFLICT_NOTIFICATION"
	MessageTypeSyncComplete         MessageType = "SYNC_COMPLETE"
	MessageTypeError                MessageType = "ERROR"
)

// Envelope frames every realtime message in both directions. RequestID
// correlates a request with its SYNC_COMPLETE or ERROR reply; notifications
// carry no request ID. Timestamp is unix milliseconds.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubscribePayload carries SUBSCRIBE/UNSUBSCRIBE entity type filters. An
// empty SUBSCRIBE resets the connection to the wildcard subscription.
type SubscribePayload struct {
	EntityTypes []string `json:"entityTypes"`
}

type PushChangePayload struct {
	Operations []store.Operation `json:"operations"`
}

type ResolveConflictPayload struct {
	ConflictID string          `json:"conflictId"`
	Resolution string          `json:"resolution"`
	MergedData json.RawMessage `json:"mergedData,omitempty"`
}

type ResolveConflictReply struct {
	Success bool `json:"success"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in ERROR payloads.
const (
	ErrCodeMalformed    = "MALFORMED_MESSAGE"
	ErrCodeUnsupported  = "UNSUPPORTED_TYPE"
	ErrCodeSyncFailed   = "SYNC_FAILED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeAlreadyFinal = "CONFLICT_ALREADY_RESOLVED"
)
