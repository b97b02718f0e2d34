package sync

import (
	"errors"
	"fmt"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync: already running")
	ErrUnknownSync        = errors.New("sync: unknown sync")
	ErrInvalidSyncStatus  = errors.New("sync: invalid sync status")
	ErrDuplicateSyncName  = errors.New("sync: a sync with this name already exists")
	ErrInvalidOptions     = errors.New("sync: invalid options")
)

// SyncAlreadyRunningError is returned when an operation needs a sync that is currently running to be idle.
type SyncAlreadyRunningError struct {
	SyncID int64
}

func (e *SyncAlreadyRunningError) Error() string {
	return fmt.Sprintf("sync: sync %d is already running", e.SyncID)
}

func (e *SyncAlreadyRunningError) Is(target error) bool {
	return target == ErrSyncAlreadyRunning
}

// UnknownSyncError is returned when no sync has the requested id or name.
type UnknownSyncError struct {
	SyncID int64
	Name   string
}

func (e *UnknownSyncError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("sync: no sync named %q", e.Name)
	}
	return fmt.Sprintf("sync: no sync with id %d", e.SyncID)
}

func (e *UnknownSyncError) Is(target error) bool {
	return target == ErrUnknownSync
}

func invalidStatus(s *SyncState, op string) error {
	return fmt.Errorf("%w: cannot %s sync %d in status %s", ErrInvalidSyncStatus, op, s.ID, s.Status)
}
