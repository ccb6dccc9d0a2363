package domain

import "errors"

// Validation errors are surfaced synchronously to the caller at the
// moment an action is attempted. They are never enqueued.
var (
	// ErrOutOfRange indicates the device is outside the nearest site's
	// geofence.
	ErrOutOfRange = errors.New("device is outside the site geofence")
	// ErrAlreadyClockedIn indicates an attendance session is already open.
	ErrAlreadyClockedIn = errors.New("an attendance session is already open")
	// ErrNoOpenSession indicates no attendance session is open.
	ErrNoOpenSession = errors.New("no open attendance session")
	// ErrLocationUnavailable indicates no position fix arrived within the
	// bounded wait.
	ErrLocationUnavailable = errors.New("no position fix available")
	// ErrUnknownCheckpoint indicates the presented code matches no
	// checkpoint of the active patrol's site.
	ErrUnknownCheckpoint = errors.New("code does not match a checkpoint of this site")
	// ErrManualNotAllowed indicates manual confirmation is disabled by
	// organization policy.
	ErrManualNotAllowed = errors.New("manual confirmation is disabled")
	// ErrAlreadyActive indicates the user already has a started patrol.
	ErrAlreadyActive = errors.New("a patrol is already active")
	// ErrNoActivePatrol indicates no patrol is currently started.
	ErrNoActivePatrol = errors.New("no active patrol")
)
