package dispatch

import (
	"errors"
	"fmt"
)

// Rejection kinds. Callers match them with errors.Is; all of them are
// normal outcomes under the broadcast model, not faults.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrNotEligible        = errors.New("not eligible")
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrInvalid            = errors.New("invalid request")
)

// RejectionError is the typed result returned for every refused operation.
type RejectionError struct {
	Kind      error
	RequestID string
	Reason    string
}

func (e *RejectionError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("request %s: %v: %s", e.RequestID, e.Kind, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Kind }

func reject(kind error, requestID, reason string) *RejectionError {
	return &RejectionError{Kind: kind, RequestID: requestID, Reason: reason}
}

// Reason extracts the machine-readable reason of a rejection, or "" for
// any other error.
func Reason(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// KindName is the label used for a rejection kind in metrics and responses.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrNoDriversAvailable):
		return "no_drivers_available"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}
	return "internal"
}

const (
	reasonNotOffered      = "not_offered"
	reasonOfferDeclined   = "offer_declined"
	reasonDriverBusy      = "driver_busy"
	reasonDriverOffline   = "driver_offline"
	reasonNotOwner        = "not_owner"
	reasonNotAssigned     = "not_assigned"
	reasonUnknownRequest  = "unknown_request"
	reasonUnknownDriver   = "unknown_participant"
	reasonAlreadyComplete = "already_completed"
)
