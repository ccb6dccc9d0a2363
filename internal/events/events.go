// Package events defines the messages fanned out when field actions
// are accepted, and the Kafka producer that carries them.
package events

import "time"

// TopicFieldEvents is the topic accepted-action events are written to.
const TopicFieldEvents = "field_events"

// EntryAccepted is emitted when a client action is durably applied.
type EntryAccepted struct {
	ActionID   string    `json:"action_id"`
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// CheckpointConfirmed is emitted when a checkpoint confirmation lands,
// carrying the canonical progress for live dashboards.
type CheckpointConfirmed struct {
	PatrolID     string    `json:"patrol_id"`
	CheckpointID string    `json:"checkpoint_id"`
	OrgID        string    `json:"org_id"`
	UserID       string    `json:"user_id"`
	Method       string    `json:"method"`
	Confirmed    int       `json:"confirmed"`
	Total        int       `json:"total"`
	ScannedAt    time.Time `json:"scanned_at"`
}
