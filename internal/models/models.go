// Package models holds the persisted data types shared between the state
// store and the sync engine.
package models

import "encoding/json"

// PendingEvent is a local mutation queued for transmission but not yet
// acknowledged by the backend. Events are created when a change cannot be
// sent immediately (disconnected, or a drain already in flight), removed
// when the backend acknowledges them, and re-queued on failure.
type PendingEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
}

// Conflict records two devices' divergent writes to the same logical
// resource, as reported by the backend during a push. Conflicts are never
// auto-merged or discarded; they stay tracked until an explicit resolution
// is accepted by the backend.
type Conflict struct {
	ID            string          `json:"id"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	LocalVersion  json.RawMessage `json:"localVersion"`
	RemoteVersion json.RawMessage `json:"remoteVersion"`
	CreatedAt     int64           `json:"createdAt"`
}
