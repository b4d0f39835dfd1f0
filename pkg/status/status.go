// Package status persists job state transitions.
//
// Every backend applies the rules of job.CanTransition atomically, so a
// terminal record is never overwritten and PROCESSING never regresses, no
// matter how many workers see the same job id.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

// ErrTransitionRejected is returned by SetStatus when the stored state does
// not allow the requested transition.
var ErrTransitionRejected = errors.New("status transition rejected")

// Change describes the outcome of one conditional write.
type Change struct {
	Previous job.Status
	Existed  bool
	Applied  bool
}

// Store is the status database gateway.
type Store interface {
	// Transition moves jobID to status `to` when job.CanTransition allows it.
	// A rejected transition is not an error; Applied reports it.
	Transition(ctx context.Context, jobID string, to job.Status) (Change, error)
	// Get returns the stored status and whether a record exists.
	Get(ctx context.Context, jobID string) (job.Status, bool, error)
}

// Claim marks jobID as PROCESSING unless its record is already terminal.
// claimed is false (with a nil error) for terminal records.
func Claim(ctx context.Context, s Store, jobID string) (claimed bool, previous job.Status, err error) {
	change, err := s.Transition(ctx, jobID, job.StatusProcessing)
	if err != nil {
		return false, 0, fmt.Errorf("claim %s: %w", jobID, err)
	}
	return change.Applied, change.Previous, nil
}

// SetStatus performs a conditional transition and reports a rejection as
// ErrTransitionRejected.
func SetStatus(ctx context.Context, s Store, jobID string, to job.Status) error {
	change, err := s.Transition(ctx, jobID, to)
	if err != nil {
		return fmt.Errorf("set %s to %s: %w", jobID, to, err)
	}
	if !change.Applied {
		if !change.Existed {
			return fmt.Errorf("%w: %s has no record, wanted %s", ErrTransitionRejected, jobID, to)
		}
		return fmt.Errorf("%w: %s is %s, wanted %s", ErrTransitionRejected, jobID, change.Previous, to)
	}
	return nil
}
