package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	replayKeyPrefix = "replay:"
	retryKeyPrefix  = "retry:"
)

// Room identifies the group of connections interested in one entity.
type Room struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// String renders the room as "{entityType}:{entityId}".
func (r Room) String() string {
	return r.EntityType + ":" + r.EntityID
}

// ReplayKey returns the durable key holding the room's replay window.
func (r Room) ReplayKey() string {
	return replayKeyPrefix + r.String()
}

// RetryKey returns the durable key holding the room's pending retries.
func (r Room) RetryKey() string {
	return retryKeyPrefix + r.String()
}

// ParseRoomKey reverses Room.String, ReplayKey and RetryKey.
func ParseRoomKey(key string) (Room, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(key, replayKeyPrefix), retryKeyPrefix)
	entityType, entityID, ok := strings.Cut(trimmed, ":")
	if !ok || entityType == "" || entityID == "" {
		return Room{}, fmt.Errorf("malformed room key %q", key)
	}
	return Room{EntityType: entityType, EntityID: entityID}, nil
}

// UpdateEvent is a change notification for a single entity. Events are never
// mutated after construction.
type UpdateEvent struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Room returns the room the event is delivered to.
func (e UpdateEvent) Room() Room {
	return Room{EntityType: e.EntityType, EntityID: e.EntityID}
}

// ReplayRecord is the persisted copy of an event kept for offline catch-up.
type ReplayRecord struct {
	Event      UpdateEvent `json:"event"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// RetryRecord is an event whose durable write failed and awaits redelivery.
type RetryRecord struct {
	Event      UpdateEvent `json:"event"`
	Attempts   int         `json:"attempts"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}
