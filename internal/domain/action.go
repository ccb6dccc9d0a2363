// Package domain defines the core types of the field data engine.
package domain

import (
	"encoding/json"
	"time"
)

// ActionKind identifies the category of a queued side-effecting action.
type ActionKind string

const (
	ActionSubmitForm     ActionKind = "submit_form"
	ActionClockIn        ActionKind = "clock_in"
	ActionClockOut       ActionKind = "clock_out"
	ActionCheckpointScan ActionKind = "checkpoint_scan"
)

// AllActionKinds lists every kind the scheduler drains, in the order
// cycles process them.
var AllActionKinds = []ActionKind{
	ActionSubmitForm,
	ActionClockIn,
	ActionClockOut,
	ActionCheckpointScan,
}

// ActionStatus is the delivery state of a queued action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "inflight"
	ActionFailed   ActionStatus = "failed"
	// ActionQuarantined marks an action the backend rejected as
	// structurally invalid. It is kept in the queue and excluded from
	// drains until an operator intervenes; it is never dropped.
	ActionQuarantined ActionStatus = "quarantined"
)

// QueuedAction is one durable entry in the outbox. The id is generated
// on the device and doubles as the backend's idempotency key. Only
// Status, Attempts, LastError and NextAttemptAt change after enqueue.
type QueuedAction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Kind          ActionKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        ActionStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
}

// FormSubmission is the payload of an ActionSubmitForm entry.
type FormSubmission struct {
	FormID      string            `json:"form_id"`
	Fields      map[string]string `json:"fields"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// ClockEvent is the payload of ActionClockIn and ActionClockOut
// entries. The captured fix records where the device was when the
// gate admitted the transition.
type ClockEvent struct {
	SiteID    string    `json:"site_id"`
	At        time.Time `json:"at"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// CheckpointScanEvent is the payload of an ActionCheckpointScan entry.
type CheckpointScanEvent struct {
	PatrolID     string        `json:"patrol_id"`
	SiteID       string        `json:"site_id"`
	CheckpointID string        `json:"checkpoint_id"`
	Method       ConfirmMethod `json:"method"`
	ScannedAt    time.Time     `json:"scanned_at"`
}
