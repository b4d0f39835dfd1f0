package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Status is the persisted state of a transcoding job. The numeric values are
// shared with the upload API that writes the initial record.
type Status int

const (
	StatusFailed     Status = -1
	StatusRequested  Status = 0
	StatusProcessing Status = 1
	StatusSucceeded  Status = 2
)

// Statuses lists every known status value.
var Statuses = []Status{StatusRequested, StatusProcessing, StatusSucceeded, StatusFailed}

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "REQUESTED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no later attempt may overwrite the status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts either the numeric code or the upper-case name.
func ParseStatus(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	if code, err := strconv.Atoi(trimmed); err == nil {
		s := Status(code)
		if !s.Valid() {
			return 0, fmt.Errorf("unknown status code %d", code)
		}
		return s, nil
	}
	for _, s := range Statuses {
		if strings.EqualFold(trimmed, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", value)
}

// CanTransition reports whether a record currently holding from may be moved
// to to. present is false when no record exists yet, in which case from is
// ignored.
func CanTransition(from Status, present bool, to Status) bool {
	if !present {
		return to == StatusRequested || to == StatusProcessing
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusRequested:
		return false
	case StatusProcessing:
		return from == StatusRequested || from == StatusProcessing
	case StatusSucceeded, StatusFailed:
		return from == StatusProcessing
	default:
		return false
	}
}

var ErrInvalidID = errors.New("invalid job id")

// ValidateID rejects ids that cannot be used as a single path element, an
// object key prefix, or a quoted playlist URI.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidID, id)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidID, id)
	case strings.ContainsRune(id, '"') || strings.IndexFunc(id, unicode.IsControl) >= 0:
		// Ids end up inside quoted playlist attributes, which have no escapes.
		return fmt.Errorf("%w: %q contains a quote or control character", ErrInvalidID, id)
	}
	return nil
}

// Ref identifies one delivery of a job. Transport and the acknowledgment hook
// only matter to the source that produced it.
type Ref struct {
	ID        string
	Transport string

	ack func(context.Context) error
}

// NewRef builds a Ref. ack may be nil for transports without acknowledgment.
func NewRef(id, transport string, ack func(context.Context) error) Ref {
	return Ref{ID: id, Transport: transport, ack: ack}
}

// Ack tells the originating transport that the delivery has been handled.
func (r Ref) Ack(ctx context.Context) error {
	if r.ack == nil {
		return nil
	}
	return r.ack(ctx)
}

// Outcome summarises how one delivery was handled.
type Outcome string

const (
	// OutcomeSucceeded means every rendition and the manifest were published.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the job was recorded as FAILED.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means the job was already terminal or running elsewhere.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means the job could not be claimed and should be redelivered.
	OutcomeAborted Outcome = "aborted"
)

// Result is returned by the orchestrator for one delivery.
type Result struct {
	JobID    string
	Outcome  Outcome
	Attempts int
	Err      error
}

// ShouldAck reports whether the delivery may be acknowledged to the transport.
func (r Result) ShouldAck() bool {
	return r.Outcome != OutcomeAborted
}
