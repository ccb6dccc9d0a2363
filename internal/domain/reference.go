package domain

import "time"

// Site is a physical work location with a circular geofence. Reference
// data owned by the backend; read-only on the device.
type Site struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Checkpoint is a patrol waypoint at a site. Code is the value printed
// on the physical tag at that location.
type Checkpoint struct {
	ID         string `json:"id"`
	SiteID     string `json:"site_id"`
	Name       string `json:"name"`
	OrderIndex int    `json:"order_index"`
	Code       string `json:"code"`
}

// AttendanceSession is the provisional client-side view of an open or
// closed shift. Authoritative only once accepted by the backend.
type AttendanceSession struct {
	UserID     string     `json:"user_id"`
	SiteID     string     `json:"site_id"`
	ClockInAt  time.Time  `json:"clock_in_at"`
	ClockOutAt *time.Time `json:"clock_out_at,omitempty"`
}

// Open reports whether the session has not been clocked out yet.
func (s *AttendanceSession) Open() bool {
	return s != nil && s.ClockOutAt == nil
}

// PatrolStatus is the lifecycle state of a patrol.
type PatrolStatus string

const (
	PatrolNotStarted PatrolStatus = "not_started"
	PatrolStarted    PatrolStatus = "started"
	PatrolCompleted  PatrolStatus = "completed"
)

// Patrol is one checkpoint round at a site.
type Patrol struct {
	ID        string       `json:"id"`
	SiteID    string       `json:"site_id"`
	UserID    string       `json:"user_id"`
	Status    PatrolStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// ConfirmMethod distinguishes a physical code scan from a manual
// override.
type ConfirmMethod string

const (
	ConfirmScanned ConfirmMethod = "scanned"
	ConfirmManual  ConfirmMethod = "manual"
)

// CheckpointLog records one confirmed checkpoint within a patrol. At
// most one log exists per (patrol, checkpoint) pair.
type CheckpointLog struct {
	PatrolID     string        `json:"patrol_id"`
	CheckpointID string        `json:"checkpoint_id"`
	ScannedAt    time.Time     `json:"scanned_at"`
	Method       ConfirmMethod `json:"method"`
}
