package errors

import "errors"

// Cycle errors.
var (
	ErrSyncInProgress     = errors.New("sync in progress")
	ErrOffline            = errors.New("offline")
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// Record errors.
var (
	ErrUnresolved = errors.New("dependency not yet resolvable")
	ErrNotFound   = errors.New("record not found")
)
