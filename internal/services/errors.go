package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAgentsAvailable is returned by StartScan when the resolved
	// chain is empty.
	ErrNoAgentsAvailable = errors.New("no active agents available")

	// ErrScanAlreadyActive is returned by StartScan when the organization
	// already has an in-progress scan.
	ErrScanAlreadyActive = errors.New("an in-progress scan already exists for this organization")

	// ErrStepNotActive is returned when an approval targets a step that
	// is not the scan's current step, or when a racing approval lost.
	// Callers should refresh state rather than retry.
	ErrStepNotActive = errors.New("scan step is not active")

	// ErrRunTimeout is returned when a run exhausts the polling budget
	// without reaching a terminal status. It is an expected outcome, not
	// a remote failure; a fresh SendTurn starts a new run.
	ErrRunTimeout = errors.New("run polling budget exhausted")

	ErrScanNotFound = errors.New("scan not found")
	ErrStepNotFound = errors.New("scan step not found")
)

// RunFailedError reports a run that reached a terminal status other than
// completed. The same run id must not be retried.
type RunFailedError struct {
	RunID  string
	Status string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed with status %q", e.RunID, e.Status)
}

// DocumentPersistError reports a failed document compilation after a scan
// was finalized. The scan remains completed and the approval record is
// durable, so compilation can be re-run without re-approving anything.
type DocumentPersistError struct {
	ScanID string
	Err    error
}

func (e *DocumentPersistError) Error() string {
	return fmt.Sprintf("persist document for scan %s: %v", e.ScanID, e.Err)
}

func (e *DocumentPersistError) Unwrap() error {
	return e.Err
}
