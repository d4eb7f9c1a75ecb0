package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// RequestState is the lifecycle position of a RideRequest.
// requested -> offered -> accepted | rejected_by_all | expired | cancelled
type RequestState string

const (
	StateRequested     RequestState = "requested"
	StateOffered       RequestState = "offered"
	StateAccepted      RequestState = "accepted"
	StateRejectedByAll RequestState = "rejected_by_all"
	StateExpired       RequestState = "expired"
	StateCancelled     RequestState = "cancelled"
)

func (s RequestState) Terminal() bool {
	switch s {
	case StateAccepted, StateRejectedByAll, StateExpired, StateCancelled:
		return true
	}
	return false
}

type VoidReason string

const (
	ReasonExpired         VoidReason = "expired"
	ReasonCancelled       VoidReason = "cancelled"
	ReasonNoDrivers       VoidReason = "no_drivers"
	ReasonAssignmentLost  VoidReason = "assignment_lost"
	ReasonAlreadyAssigned VoidReason = "already_assigned"
	ReasonCompleted       VoidReason = "completed"
	ReasonDriverAssigned  VoidReason = "driver_assigned"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) Valid() bool { return d == DecisionAccept || d == DecisionReject }

// RideRequestInput is what a rider submits.
type RideRequestInput struct {
	RiderID      string  `json:"rider_id"`
	Origin       Coord   `json:"origin"`
	Destination  Coord   `json:"destination"`
	FareEstimate float64 `json:"fare_estimate"`
}

type RideRequest struct {
	ID               string       `json:"id"`
	RiderID          string       `json:"rider_id"`
	Origin           Coord        `json:"origin"`
	Destination      Coord        `json:"destination"`
	FareEstimate     float64      `json:"fare_estimate"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	State            RequestState `json:"state"`
	AssignedDriverID string       `json:"assigned_driver_id,omitempty"`
	OfferedTo        []string     `json:"offered_to,omitempty"`
	Declined         []string     `json:"declined,omitempty"`
	TerminalReason   VoidReason   `json:"terminal_reason,omitempty"`
	ResolvedAt       time.Time    `json:"resolved_at"`
	// Revision increases with every committed change; archives keep the highest.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy safe to hand out of the store.
func (r *RideRequest) Clone() RideRequest {
	c := *r
	c.OfferedTo = append([]string(nil), r.OfferedTo...)
	c.Declined = append([]string(nil), r.Declined...)
	return c
}

func (r *RideRequest) WasOfferedTo(driverID string) bool {
	for _, id := range r.OfferedTo {
		if id == driverID {
			return true
		}
	}
	return false
}

func (r *RideRequest) HasDeclined(driverID string) bool {
	for _, id := range r.Declined {
		if id == driverID {
			return true
		}
	}
	return false
}

// Pending lists drivers holding a live offer: offered and not declined.
func (r *RideRequest) Pending() []string {
	out := make([]string, 0, len(r.OfferedTo))
	for _, id := range r.OfferedTo {
		if !r.HasDeclined(id) {
			out = append(out, id)
		}
	}
	return out
}

// Contacted is the exclusion set for the next eligibility query.
func (r *RideRequest) Contacted() map[string]struct{} {
	out := make(map[string]struct{}, len(r.OfferedTo))
	for _, id := range r.OfferedTo {
		out[id] = struct{}{}
	}
	return out
}

type Participant struct {
	ID                string    `json:"id"`
	Role              Role      `json:"role"`
	Connected         bool      `json:"connected"`
	Available         bool      `json:"available"`
	AssignedRequestID string    `json:"assigned_request_id,omitempty"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// Notification is the payload pushed to a participant's live connection.
type Notification struct {
	Type         string     `json:"type"`
	RequestID    string     `json:"request_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Reason       VoidReason `json:"reason,omitempty"`
	Origin       *Coord     `json:"origin,omitempty"`
	Destination  *Coord     `json:"destination,omitempty"`
	FareEstimate float64    `json:"fare_estimate,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

const (
	NotifyRideOffer     = "ride_offer"
	NotifyAssigned      = "ride_assigned"
	NotifyOfferAccepted = "offer_confirmed"
	NotifyVoided        = "ride_voided"
	NotifyWithdrawn     = "offer_withdrawn"
)
