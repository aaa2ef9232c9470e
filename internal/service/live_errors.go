package service

import "errors"

var (
	// ErrScopeNotOpen is returned when an operation targets a scope the session has not opened.
	ErrScopeNotOpen = errors.New("scope not open")
	// ErrSnapshotSuperseded reports a snapshot result from an attempt that is no longer current.
	ErrSnapshotSuperseded = errors.New("snapshot attempt superseded")
	// ErrBufferOverflow reports that too many events arrived during a snapshot fetch; the fetch must be retried.
	ErrBufferOverflow = errors.New("event buffer overflow during snapshot")
	// ErrUnknownTarget is returned when a local write references an entity the reconciler does not hold.
	ErrUnknownTarget = errors.New("unknown target entity")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)
