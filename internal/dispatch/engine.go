package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/store"
)

// Listener receives outbound dispatch events after the transition that
// produced them has been committed. Emit must not block.
type Listener interface {
	Emit(e events.Event)
}

type ListenerFunc func(e events.Event)

func (f ListenerFunc) Emit(e events.Event) { f(e) }

// Archive persists resolved requests outside the process.
type Archive interface {
	ArchiveRequest(ctx context.Context, r models.RideRequest) error
}

// Engine coordinates ride requests: broadcast to eligible drivers, first
// accept wins, expiry and cancellation race through the same per-request
// serialization point in the store.
type Engine struct {
	Store     *store.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Listener  Listener
	Archive   Archive
	Logger    *slog.Logger

	// OfferPoolSize caps how many drivers one offer round reaches; 0 means
	// every eligible driver.
	OfferPoolSize int
	// WidenOnDecline offers the next pool of eligible drivers once every
	// driver in the current rounds has declined.
	WidenOnDecline bool
	ArchiveTimeout time.Duration

	Now func() time.Time

	once      sync.Once
	archiveWG sync.WaitGroup
	archiveMu sync.Mutex
	// archiveTail holds, per request, the completion of its latest queued
	// write; each write waits for its predecessor.
	archiveTail map[string]chan struct{}
}

func (e *Engine) init() {
	e.once.Do(func() {
		if e.Store == nil {
			e.Store = store.New(store.Options{})
		}
		if e.Registry == nil {
			e.Registry = registry.New()
		}
		if e.Scheduler == nil {
			e.Scheduler = scheduler.New()
		}
		if e.Listener == nil {
			e.Listener = ListenerFunc(func(events.Event) {})
		}
		if e.Logger == nil {
			e.Logger = slog.Default()
		}
		if e.ArchiveTimeout <= 0 {
			e.ArchiveTimeout = 5 * time.Second
		}
		if e.Now == nil {
			e.Now = time.Now
		}
	})
}

// Submit creates a ride request and broadcasts it. With no eligible driver
// the request is resolved immediately and ErrNoDriversAvailable is returned
// alongside the resolved record.
func (e *Engine) Submit(ctx context.Context, in models.RideRequestInput) (models.RideRequest, error) {
	e.init()
	if strings.TrimSpace(in.RiderID) == "" {
		return models.RideRequest{}, e.rejected(reject(ErrInvalid, "", "rider_id_required"))
	}
	if in.FareEstimate < 0 {
		return models.RideRequest{}, e.rejected(reject(ErrInvalid, "", "negative_fare"))
	}

	created := e.Store.Create(in)
	observability.RequestsSubmitted.Inc()

	var offered []string
	snap, err := e.Store.UpdateThen(created.ID, func(r *models.RideRequest) error {
		offered = e.pool(r.Contacted())
		if len(offered) == 0 {
			r.State = models.StateRejectedByAll
			r.TerminalReason = models.ReasonNoDrivers
			return nil
		}
		r.State = models.StateOffered
		r.OfferedTo = offered
		id := r.ID
		e.Scheduler.Schedule(id, r.ExpiresAt, func() { e.expire(id) })
		return nil
	}, func(snap models.RideRequest) {
		if snap.State.Terminal() {
			e.voided(snap, models.ReasonNoDrivers, nil)
			return
		}
		e.offered(snap, offered)
	})
	if err != nil {
		return snap, e.storeErr(created.ID, snap, err)
	}

	if snap.State.Terminal() {
		e.Logger.Info("ride_request_no_drivers", "request_id", snap.ID, "rider_id", snap.RiderID)
		return snap, e.rejected(reject(ErrNoDriversAvailable, snap.ID, string(models.ReasonNoDrivers)))
	}
	e.Logger.Info("ride_request_offered", "request_id", snap.ID, "rider_id", snap.RiderID, "drivers", len(offered))
	return snap, nil
}

// Respond applies a driver's accept or reject to an offer.
func (e *Engine) Respond(ctx context.Context, requestID, driverID string, decision models.Decision, reason string) (models.RideRequest, error) {
	e.init()
	switch decision {
	case models.DecisionAccept:
		return e.accept(requestID, driverID)
	case models.DecisionReject:
		e.Logger.Debug("offer_declined", "request_id", requestID, "driver_id", driverID, "reason", reason)
		return e.decline(requestID, driverID, "")
	default:
		return models.RideRequest{}, e.rejected(reject(ErrInvalid, requestID, "unknown_decision"))
	}
}

func (e *Engine) accept(requestID, driverID string) (models.RideRequest, error) {
	var expired bool
	snap, err := e.Store.UpdateThen(requestID, func(r *models.RideRequest) error {
		if r.State != models.StateOffered {
			return reject(ErrNotEligible, r.ID, reasonNotOffered)
		}
		if e.pastDeadline(r) {
			e.markExpired(r)
			expired = true
			return nil
		}
		if !r.WasOfferedTo(driverID) {
			return reject(ErrNotEligible, r.ID, reasonNotOffered)
		}
		if r.HasDeclined(driverID) {
			// offers are withdrawn from a driver once it wins elsewhere
			if p, ok := e.Registry.Snapshot(driverID); ok && p.AssignedRequestID != "" && p.AssignedRequestID != r.ID {
				return reject(ErrNotEligible, r.ID, reasonDriverBusy)
			}
			return reject(ErrNotEligible, r.ID, reasonOfferDeclined)
		}
		if err := e.Registry.Assign(driverID, r.ID); err != nil {
			if errors.Is(err, registry.ErrDriverBusy) {
				return reject(ErrNotEligible, r.ID, reasonDriverBusy)
			}
			return reject(ErrNotEligible, r.ID, reasonDriverOffline)
		}
		r.State = models.StateAccepted
		r.AssignedDriverID = driverID
		return nil
	}, func(snap models.RideRequest) {
		if expired {
			e.voided(snap, models.ReasonExpired, snap.Pending())
			return
		}
		e.resolved(snap)
		e.Listener.Emit(events.Assigned(snap, driverID))
		for _, id := range snap.Pending() {
			if id != driverID {
				e.Listener.Emit(events.OfferWithdrawn(snap, id, models.ReasonAlreadyAssigned))
			}
		}
	})
	if err != nil {
		return snap, e.storeErr(requestID, snap, err)
	}
	if expired {
		return snap, e.rejected(reject(ErrAlreadyResolved, snap.ID, string(models.ReasonExpired)))
	}

	e.Logger.Info("ride_assigned", "request_id", snap.ID, "rider_id", snap.RiderID, "driver_id", driverID)
	e.dropPendingOffers(driverID, snap.ID, models.ReasonDriverAssigned)
	return snap, nil
}

// decline records driverID's refusal. A non-empty notice is sent to the
// driver as the reason its offer went away.
func (e *Engine) decline(requestID, driverID string, notice models.VoidReason) (models.RideRequest, error) {
	var (
		widened []string
		expired bool
		noop    bool
	)
	snap, err := e.Store.UpdateThen(requestID, func(r *models.RideRequest) error {
		if r.State != models.StateOffered {
			return reject(ErrNotEligible, r.ID, reasonNotOffered)
		}
		if e.pastDeadline(r) {
			e.markExpired(r)
			expired = true
			return nil
		}
		if !r.WasOfferedTo(driverID) {
			return reject(ErrNotEligible, r.ID, reasonNotOffered)
		}
		if r.HasDeclined(driverID) {
			noop = true
			return nil
		}
		r.Declined = append(r.Declined, driverID)
		if len(r.Pending()) > 0 {
			return nil
		}
		next := e.pool(r.Contacted())
		switch {
		case len(next) == 0:
			r.State = models.StateRejectedByAll
			r.TerminalReason = models.ReasonNoDrivers
		case e.WidenOnDecline:
			r.OfferedTo = append(r.OfferedTo, next...)
			widened = next
		}
		return nil
	}, func(snap models.RideRequest) {
		if expired {
			e.voided(snap, models.ReasonExpired, snap.Pending())
			return
		}
		if noop {
			return
		}
		if notice != "" {
			e.Listener.Emit(events.OfferWithdrawn(snap, driverID, notice))
		}
		switch {
		case snap.State == models.StateRejectedByAll:
			e.voided(snap, models.ReasonNoDrivers, nil)
		case len(widened) > 0:
			e.offered(snap, widened)
		}
	})
	if err != nil {
		return snap, e.storeErr(requestID, snap, err)
	}

	switch {
	case expired:
		return snap, e.rejected(reject(ErrAlreadyResolved, snap.ID, string(models.ReasonExpired)))
	case snap.State == models.StateRejectedByAll:
		e.Logger.Info("ride_rejected_by_all", "request_id", snap.ID, "rider_id", snap.RiderID, "declined", len(snap.Declined))
	case len(widened) > 0:
		e.Logger.Info("ride_offer_widened", "request_id", snap.ID, "drivers", len(widened))
	}
	return snap, nil
}

// dropPendingOffers declines every live offer driverID holds, except on the
// request named by except.
func (e *Engine) dropPendingOffers(driverID, except string, notice models.VoidReason) {
	for _, rid := range e.Store.Active() {
		if rid == except {
			continue
		}
		r, ok := e.Store.Get(rid)
		if !ok || r.State != models.StateOffered || !r.WasOfferedTo(driverID) || r.HasDeclined(driverID) {
			continue
		}
		if _, err := e.decline(rid, driverID, notice); err != nil {
			e.Logger.Debug("offer_drop_skipped", "request_id", rid, "driver_id", driverID, "error", err)
			continue
		}
		e.Logger.Debug("offer_dropped", "request_id", rid, "driver_id", driverID, "notice", notice)
	}
}

// Cancel voids a request on behalf of its rider. Assigned requests cannot
// be cancelled here.
func (e *Engine) Cancel(ctx context.Context, requestID, riderID string) (models.RideRequest, error) {
	e.init()
	snap, err := e.Store.UpdateThen(requestID, func(r *models.RideRequest) error {
		if r.RiderID != riderID {
			return reject(ErrNotEligible, r.ID, reasonNotOwner)
		}
		r.State = models.StateCancelled
		r.TerminalReason = models.ReasonCancelled
		return nil
	}, func(snap models.RideRequest) {
		e.voided(snap, models.ReasonCancelled, snap.Pending())
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminal) && snap.RiderID != riderID {
			return snap, e.rejected(reject(ErrNotEligible, requestID, reasonNotOwner))
		}
		return snap, e.storeErr(requestID, snap, err)
	}
	e.Logger.Info("ride_cancelled", "request_id", snap.ID, "rider_id", riderID)
	return snap, nil
}

// expire is the scheduler callback for a request's deadline.
func (e *Engine) expire(requestID string) {
	var early bool
	snap, err := e.Store.UpdateThen(requestID, func(r *models.RideRequest) error {
		if r.State != models.StateOffered {
			return reject(ErrNotEligible, r.ID, reasonNotOffered)
		}
		if !e.pastDeadline(r) {
			early = true
			return reject(ErrNotEligible, r.ID, "not_due")
		}
		e.markExpired(r)
		return nil
	}, func(snap models.RideRequest) {
		e.voided(snap, models.ReasonExpired, snap.Pending())
	})
	if early {
		id := snap.ID
		e.Scheduler.Schedule(id, snap.ExpiresAt, func() { e.expire(id) })
		return
	}
	if err != nil {
		// already resolved by a response or cancellation
		e.Logger.Debug("expiry_noop", "request_id", requestID, "error", err)
		return
	}
	e.Logger.Info("ride_expired", "request_id", snap.ID, "rider_id", snap.RiderID, "pending", len(snap.Pending()))
}

// CompleteRide releases the driver once the ride workflow downstream of
// dispatch has finished.
func (e *Engine) CompleteRide(ctx context.Context, requestID, driverID string) (models.RideRequest, error) {
	e.init()
	snap, err := e.Store.AmendThen(requestID, func(r *models.RideRequest) error {
		if r.State != models.StateAccepted || r.AssignedDriverID != driverID {
			return reject(ErrNotEligible, r.ID, reasonNotAssigned)
		}
		if r.TerminalReason != "" {
			return reject(ErrAlreadyResolved, r.ID, reasonAlreadyComplete)
		}
		r.TerminalReason = models.ReasonCompleted
		return nil
	}, e.archive)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return snap, e.rejected(reject(ErrNotFound, requestID, reasonUnknownRequest))
	case errors.Is(err, store.ErrActive):
		return snap, e.rejected(reject(ErrNotEligible, requestID, reasonNotAssigned))
	case err != nil:
		return snap, e.rejected(err)
	}
	if err := e.Registry.Release(driverID, requestID, true); err != nil {
		e.Logger.Warn("release_driver_failed", "request_id", requestID, "driver_id", driverID, "error", err)
	}
	e.Logger.Info("ride_completed", "request_id", requestID, "driver_id", driverID)
	return snap, nil
}

// RegisterConnection attaches a participant's live connection.
func (e *Engine) RegisterConnection(id string, role models.Role, conn registry.Conn) (models.Participant, error) {
	e.init()
	if strings.TrimSpace(id) == "" || !role.Valid() {
		return models.Participant{}, e.rejected(reject(ErrInvalid, "", "invalid_participant"))
	}
	p := e.Registry.Register(id, role, conn)
	observability.ParticipantsConnected.WithLabelValues(string(role)).Set(float64(e.Registry.Count(role)))
	e.Logger.Info("participant_connected", "participant_id", id, "role", role)
	return p, nil
}

func (e *Engine) SetDriverAvailability(driverID string, available bool) error {
	e.init()
	if err := e.Registry.SetAvailability(driverID, available); err != nil {
		if errors.Is(err, registry.ErrNotDriver) {
			return e.rejected(reject(ErrNotEligible, "", "not_a_driver"))
		}
		return e.rejected(reject(ErrNotFound, "", reasonUnknownDriver))
	}
	e.Logger.Debug("driver_availability", "driver_id", driverID, "available", available)
	return nil
}

// Disconnect removes a participant. conn, when non-nil, must be the current
// handle; a stale socket closing after a reconnect is ignored. A driver's
// pending offers are declined and an accepted assignment is reported lost.
func (e *Engine) Disconnect(ctx context.Context, id string, conn registry.Conn) {
	e.init()
	p, removed := e.Registry.Detach(id, conn)
	if !removed {
		return
	}
	observability.ParticipantsConnected.WithLabelValues(string(p.Role)).Set(float64(e.Registry.Count(p.Role)))
	e.Logger.Info("participant_disconnected", "participant_id", id, "role", p.Role)
	if p.Role != models.RoleDriver {
		return
	}

	if p.AssignedRequestID != "" {
		e.assignmentLost(p.AssignedRequestID, id)
	}
	e.dropPendingOffers(id, "", "")
}

func (e *Engine) assignmentLost(requestID, driverID string) {
	snap, err := e.Store.AmendThen(requestID, func(r *models.RideRequest) error {
		if r.AssignedDriverID != driverID || r.TerminalReason != "" {
			return reject(ErrNotEligible, r.ID, reasonNotAssigned)
		}
		r.TerminalReason = models.ReasonAssignmentLost
		return nil
	}, func(snap models.RideRequest) {
		e.archive(snap)
		e.Listener.Emit(events.RequestVoided(snap, models.ReasonAssignmentLost))
	})
	if err != nil {
		e.Logger.Warn("assignment_lost_unrecorded", "request_id", requestID, "driver_id", driverID, "error", err)
		return
	}
	e.Logger.Warn("assignment_lost", "request_id", requestID, "rider_id", snap.RiderID, "driver_id", driverID)
}

func (e *Engine) Get(requestID string) (models.RideRequest, error) {
	e.init()
	r, ok := e.Store.Get(requestID)
	if !ok {
		return r, reject(ErrNotFound, requestID, reasonUnknownRequest)
	}
	return r, nil
}

// Close stops pending expiry timers and waits for in-flight archive writes.
func (e *Engine) Close() {
	e.init()
	e.Scheduler.Stop()
	e.archiveWG.Wait()
}

func (e *Engine) pool(exclude map[string]struct{}) []string {
	drivers := e.Registry.ListEligibleDrivers(exclude)
	if e.OfferPoolSize > 0 && len(drivers) > e.OfferPoolSize {
		drivers = drivers[:e.OfferPoolSize]
	}
	return drivers
}

func (e *Engine) pastDeadline(r *models.RideRequest) bool {
	return !e.Now().Before(r.ExpiresAt)
}

func (e *Engine) markExpired(r *models.RideRequest) {
	r.State = models.StateExpired
	r.TerminalReason = models.ReasonExpired
}

func (e *Engine) offered(snap models.RideRequest, drivers []string) {
	observability.OffersSent.Add(float64(len(drivers)))
	observability.ActiveRequests.Set(float64(e.Store.Len()))
	observability.ExpiryTimers.Set(float64(e.Scheduler.Pending()))
	e.Listener.Emit(events.OfferCreated(snap, drivers))
}

// voided emits the rider's terminal notice and withdraws still-pending offers.
func (e *Engine) voided(snap models.RideRequest, reason models.VoidReason, withdrawn []string) {
	e.resolved(snap)
	e.Listener.Emit(events.RequestVoided(snap, reason))
	for _, id := range withdrawn {
		e.Listener.Emit(events.OfferWithdrawn(snap, id, reason))
	}
}

func (e *Engine) resolved(snap models.RideRequest) {
	e.Scheduler.Cancel(snap.ID)
	observability.ActiveRequests.Set(float64(e.Store.Len()))
	observability.ExpiryTimers.Set(float64(e.Scheduler.Pending()))
	observability.Resolutions.WithLabelValues(string(snap.State), string(snap.TerminalReason)).Inc()
	observability.ResolutionLatency.WithLabelValues(string(snap.State)).Observe(snap.ResolvedAt.Sub(snap.CreatedAt).Seconds())
	e.archive(snap)
}

// archive queues snap for the archive. Writes for one request run in the
// order they were queued, which is commit order since callers hold the
// record's lock.
func (e *Engine) archive(snap models.RideRequest) {
	if e.Archive == nil {
		return
	}
	done := make(chan struct{})
	e.archiveMu.Lock()
	if e.archiveTail == nil {
		e.archiveTail = make(map[string]chan struct{})
	}
	prev := e.archiveTail[snap.ID]
	e.archiveTail[snap.ID] = done
	e.archiveMu.Unlock()

	e.archiveWG.Add(1)
	go func() {
		defer e.archiveWG.Done()
		defer func() {
			e.archiveMu.Lock()
			if e.archiveTail[snap.ID] == done {
				delete(e.archiveTail, snap.ID)
			}
			e.archiveMu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.ArchiveTimeout)
		defer cancel()
		if err := e.Archive.ArchiveRequest(ctx, snap); err != nil {
			observability.ArchiveWrites.WithLabelValues("error").Inc()
			e.Logger.Error("archive_failed", "request_id", snap.ID, "revision", snap.Revision, "error", err)
			return
		}
		observability.ArchiveWrites.WithLabelValues("ok").Inc()
	}()
}

// storeErr converts store failures into typed rejections.
func (e *Engine) storeErr(requestID string, snap models.RideRequest, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.rejected(reject(ErrNotFound, requestID, reasonUnknownRequest))
	case errors.Is(err, store.ErrTerminal):
		reason := string(snap.TerminalReason)
		if snap.State == models.StateAccepted {
			reason = string(models.ReasonAlreadyAssigned)
		}
		return e.rejected(reject(ErrAlreadyResolved, requestID, reason))
	}
	return e.rejected(err)
}

func (e *Engine) rejected(err error) error {
	observability.Rejections.WithLabelValues(KindName(err), Reason(err)).Inc()
	e.Logger.Debug("dispatch_rejection", "error", err)
	return err
}
