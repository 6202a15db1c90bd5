// Package lifecycle owns the file status state machine: which statuses exist,
// which transitions are legal, how statuses are shown to end users, and when
// a record is still editable.
package lifecycle

import (
	"errors"
	"time"
)

// Persisted statuses. "assigned" and "replacement" are internal refinements
// of "paid" and are surfaced to users as such (see Display).
const (
	StatusPendingUpload  = "pending_upload"
	StatusPendingPayment = "pending_payment"
	StatusPaid           = "paid"
	StatusAssigned       = "assigned"
	StatusProcessing     = "processing"
	StatusCompleted      = "completed"
	StatusReplacement    = "replacement"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions maps each status to the statuses it may move to. Replacement is
// handled separately (see CanReplace) because it is reachable from almost
// everywhere.
var transitions = map[string][]string{
	StatusPendingUpload:  {StatusPendingPayment},
	StatusPendingPayment: {StatusPaid},
	StatusPaid:           {StatusAssigned, StatusProcessing},
	StatusAssigned:       {StatusProcessing},
	StatusProcessing:     {StatusCompleted},
	StatusReplacement:    {StatusAssigned, StatusProcessing},
	StatusCompleted:      {},
}

// Valid reports whether s is a known status.
func Valid(s string) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to string) bool {
	if to == StatusReplacement {
		return from != StatusCompleted
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanClientSet reports whether an end user may request the from -> to move
// directly (via PATCH). Only the upload-confirmation step qualifies; every
// other transition is driven by payment verification or the agent workflow.
func CanClientSet(from, to string) bool {
	return from == StatusPendingUpload && to == StatusPendingPayment
}

// Display maps a persisted status to its user-facing label. Assigned and
// replacement files read as "paid": from the owner's point of view the file
// is paid for and waiting on processing either way.
func Display(status string) string {
	switch status {
	case StatusAssigned, StatusReplacement:
		return StatusPaid
	default:
		return status
	}
}

// Editable reports whether the record's content may still be changed by its
// owner. Anything not completed is editable. A completed record is editable
// only inside an explicitly granted edit window.
func Editable(status string, timerMinutes *int, timerStartedAt *time.Time, now time.Time) bool {
	if status != StatusCompleted {
		return true
	}
	if timerMinutes == nil || timerStartedAt == nil {
		return false
	}
	deadline := timerStartedAt.Add(time.Duration(*timerMinutes) * time.Minute)
	return now.Before(deadline)
}

// CanReplace reports whether a replacement upload is allowed. Identical to
// Editable: replacement is just "edit the content".
func CanReplace(status string, timerMinutes *int, timerStartedAt *time.Time, now time.Time) bool {
	return Editable(status, timerMinutes, timerStartedAt, now)
}
