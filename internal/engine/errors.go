package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel rejections returned by the validator and executor.
var (
	// ErrTerminalState: the item is Published; no forward stage exists.
	ErrTerminalState = errors.New("content item is published; no forward stage exists")
	// ErrConfirmationRequired: the terminal move needs an explicit confirm flag.
	ErrConfirmationRequired = errors.New("publishing is irreversible; confirmation required")
	// ErrStaleTransition: another actor moved the item between the caller's
	// read and this execution. Retriable after a fresh stage fetch.
	ErrStaleTransition = errors.New("stage changed since the move was requested; re-fetch and retry")
)

// IncompleteDataError rejects a move whose target stage requires fields the
// item does not yet carry. Missing enumerates them for the caller.
type IncompleteDataError struct {
	ToStage string
	Missing []string
}

func (e IncompleteDataError) Error() string {
	return fmt.Sprintf("cannot move to %s: missing %s", e.ToStage, strings.Join(e.Missing, ", "))
}

// StorageError wraps transient entity-store failures. Callers may retry with
// backoff; nothing was committed.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string { return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err) }
func (e StorageError) Unwrap() error { return e.Err }

// RejectionCode names a rejection for the audit trail and API payloads.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrTerminalState):
		return "TerminalState"
	case errors.Is(err, ErrConfirmationRequired):
		return "ConfirmationRequired"
	case errors.Is(err, ErrStaleTransition):
		return "StaleTransition"
	}
	var incomplete IncompleteDataError
	if errors.As(err, &incomplete) {
		return "IncompleteData"
	}
	return ""
}
