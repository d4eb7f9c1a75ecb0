package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Sender delivers a payload to a participant's live connection.
type Sender interface {
	Send(participantID string, v any) error
}

// Notifier turns dispatch events into participant notifications and ships
// every event to the configured bus. Socket delivery is best-effort: an
// offline participant's notification is dropped.
type Notifier struct {
	sender    Sender
	publisher events.Publisher
	logger    *slog.Logger
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	wg     sync.WaitGroup
}

// New starts a notifier whose bus publishing runs on a single background
// goroutine fed by a queue of the given size.
func New(sender Sender, publisher events.Publisher, logger *slog.Logger, queueSize int) *Notifier {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	n := &Notifier{
		sender:    sender,
		publisher: publisher,
		logger:    logger,
		timeout:   3 * time.Second,
		queue:     make(chan events.Event, queueSize),
	}
	n.wg.Add(1)
	go n.publishLoop()
	return n
}

// Emit implements dispatch.Listener.
func (n *Notifier) Emit(e events.Event) {
	for _, d := range Deliveries(e) {
		n.deliver(d)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		observability.EventsPublished.WithLabelValues(string(e.Type), "dropped").Inc()
		n.logger.Warn("event_queue_full", "event_type", e.Type, "request_id", e.RequestID)
	}
}

func (n *Notifier) deliver(d Delivery) {
	if err := n.sender.Send(d.To, d.Msg); err != nil {
		observability.NotificationsSent.WithLabelValues(d.Msg.Type, "dropped").Inc()
		n.logger.Debug("notification_dropped", "to", d.To, "type", d.Msg.Type, "request_id", d.Msg.RequestID, "error", err)
		return
	}
	observability.NotificationsSent.WithLabelValues(d.Msg.Type, "sent").Inc()
}

func (n *Notifier) publishLoop() {
	defer n.wg.Done()
	for e := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.publisher.Publish(ctx, e)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(string(e.Type), "error").Inc()
			n.logger.Error("event_publish_failed", "event_type", e.Type, "request_id", e.RequestID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(string(e.Type), "ok").Inc()
	}
}

// Close drains queued events to the bus and closes the publisher. Events
// emitted afterwards still reach sockets but not the bus.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
	return n.publisher.Close()
}

// Delivery is one notification addressed to one participant.
type Delivery struct {
	To  string
	Msg models.Notification
}

// Deliveries fans an event out to its recipients: offers go to each offered
// driver, an assignment to the rider and the winning driver, a void to the
// rider, a withdrawal to the affected driver.
func Deliveries(e events.Event) []Delivery {
	req := e.Request
	switch e.Type {
	case events.TypeOfferCreated:
		out := make([]Delivery, 0, len(e.DriverIDs))
		for _, id := range e.DriverIDs {
			origin, dest, expires := req.Origin, req.Destination, req.ExpiresAt
			out = append(out, Delivery{To: id, Msg: models.Notification{
				Type:         models.NotifyRideOffer,
				RequestID:    e.RequestID,
				Origin:       &origin,
				Destination:  &dest,
				FareEstimate: req.FareEstimate,
				ExpiresAt:    &expires,
			}})
		}
		return out
	case events.TypeAssigned:
		return []Delivery{
			{To: e.RiderID, Msg: models.Notification{Type: models.NotifyAssigned, RequestID: e.RequestID, DriverID: e.DriverID}},
			{To: e.DriverID, Msg: models.Notification{Type: models.NotifyOfferAccepted, RequestID: e.RequestID, DriverID: e.DriverID}},
		}
	case events.TypeRequestVoided:
		return []Delivery{
			{To: e.RiderID, Msg: models.Notification{Type: models.NotifyVoided, RequestID: e.RequestID, Reason: e.Reason}},
		}
	case events.TypeOfferWithdrawn:
		return []Delivery{
			{To: e.DriverID, Msg: models.Notification{Type: models.NotifyWithdrawn, RequestID: e.RequestID, Reason: e.Reason}},
		}
	}
	return nil
}

// Fanout forwards each event to several listeners in order.
type Fanout []interface{ Emit(events.Event) }

func (f Fanout) Emit(e events.Event) {
	for _, l := range f {
		l.Emit(e)
	}
}
