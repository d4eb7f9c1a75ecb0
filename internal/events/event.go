package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

type Type string

const (
	TypeOfferCreated   Type = "offer_created"
	TypeAssigned       Type = "assigned"
	TypeRequestVoided  Type = "request_voided"
	TypeOfferWithdrawn Type = "offer_withdrawn"
)

// Event is one outbound state change of the dispatch core.
type Event struct {
	ID         string             `json:"id"`
	Type       Type               `json:"type"`
	RequestID  string             `json:"request_id"`
	RiderID    string             `json:"rider_id"`
	DriverID   string             `json:"driver_id,omitempty"`
	DriverIDs  []string           `json:"driver_ids,omitempty"`
	Reason     models.VoidReason  `json:"reason,omitempty"`
	Request    models.RideRequest `json:"request"`
	OccurredAt time.Time          `json:"occurred_at"`
}

func newEvent(t Type, req models.RideRequest) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		RequestID:  req.ID,
		RiderID:    req.RiderID,
		Request:    req,
		OccurredAt: time.Now().UTC(),
	}
}

func OfferCreated(req models.RideRequest, driverIDs []string) Event {
	e := newEvent(TypeOfferCreated, req)
	e.DriverIDs = append([]string(nil), driverIDs...)
	return e
}

func Assigned(req models.RideRequest, driverID string) Event {
	e := newEvent(TypeAssigned, req)
	e.DriverID = driverID
	return e
}

func RequestVoided(req models.RideRequest, reason models.VoidReason) Event {
	e := newEvent(TypeRequestVoided, req)
	e.Reason = reason
	return e
}

func OfferWithdrawn(req models.RideRequest, driverID string, reason models.VoidReason) Event {
	e := newEvent(TypeOfferWithdrawn, req)
	e.DriverID = driverID
	e.Reason = reason
	return e
}

// Publisher ships events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Multi publishes to each publisher in turn and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
