package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeStorage         = "STORAGE_ERROR"
	ErrCodeTransaction     = "TRANSACTION_ERROR"
	ErrCodeMigration       = "MIGRATION_ERROR"
	ErrCodePartialFailure  = "PARTIAL_FAILURE"
	ErrCodeNotInitialized  = "NOT_INITIALIZED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeConfig          = "CONFIG_ERROR"
)

// Sentinel errors
var (
	ErrNotFound            = errors.New("record not found")
	ErrVersionConflict     = errors.New("version conflict")
	ErrUnavailable         = errors.New("store unavailable")
	ErrAlreadyExists       = errors.New("record already exists")
	ErrInvalidRecord       = errors.New("invalid record")
	ErrCorrupt             = errors.New("storage corrupt")
	ErrLocked              = errors.New("record locked")
	ErrNotInitialized      = errors.New("coordinator not initialized")
	ErrDisposed            = errors.New("coordinator disposed")
	ErrTimeout             = errors.New("timed out waiting for sync")
	ErrPartialFailure      = errors.New("sync partially failed")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrUnsupportedStrategy = errors.New("unsupported resolution strategy")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

// Code maps an error onto the closest structured error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return ErrCodeUnavailable
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrVersionConflict):
		return ErrCodeVersionConflict
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrNotInitialized):
		return ErrCodeNotInitialized
	case errors.Is(err, ErrPartialFailure):
		return ErrCodePartialFailure
	case errors.Is(err, ErrInvalidConfig):
		return ErrCodeConfig
	default:
		var te *TransactionError
		if errors.As(err, &te) {
			return ErrCodeTransaction
		}
		var me *MigrationError
		if errors.As(err, &me) {
			return ErrCodeMigration
		}
		return ErrCodeStorage
	}
}

// IsTransient reports whether retrying on a later trigger may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrLocked)
}

// StoreError is returned by record stores.
type StoreError struct {
	Op    string
	Store string
	Key   Key
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key.ID != "" {
		return fmt.Sprintf("%s store %s %s: %v", e.Store, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// TransactionError reports which mutation of a transaction failed. The
// transaction's earlier writes have been rolled back unless RollbackErr is set.
type TransactionError struct {
	Index       int
	Key         Key
	Err         error
	RollbackErr error
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("transaction mutation %d (%s): %v", e.Index, e.Key, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// MigrationError identifies the step and record a migration failed on.
type MigrationError struct {
	Step string `json:"step"`
	Key  Key    `json:"key"`
	Err  error  `json:"-"`
}

func (e *MigrationError) Error() string {
	if e.Key.ID == "" {
		return fmt.Sprintf("migration step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("migration step %s on %s: %v", e.Step, e.Key, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// SyncError reports a failed or partially failed sync cycle.
type SyncError struct {
	Phase  SyncPhase
	Report *SyncReport
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, Code(e.Err), e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure should simply wait for the next trigger.
func (e *SyncError) Transient() bool {
	return IsTransient(e.Err)
}

// CoordinatorError wraps any failure surfaced by the coordinator facade.
type CoordinatorError struct {
	Op  string
	Err error
}

func (e *CoordinatorError) Error() string {
	return fmt.Sprintf("coordinator %s: %v", e.Op, e.Err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.Err
}
