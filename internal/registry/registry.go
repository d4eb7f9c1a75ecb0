package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Conn is a live participant connection. Send must not block on network I/O.
type Conn interface {
	Send(v any) error
	Close() error
}

var (
	ErrNoSession   = errors.New("no live session")
	ErrNotDriver   = errors.New("participant is not a driver")
	ErrUnknown     = errors.New("unknown participant")
	ErrDriverBusy  = errors.New("driver already assigned")
	ErrNotAssigned = errors.New("driver not assigned to request")
)

type participant struct {
	models.Participant
	conn Conn
	seq  uint64
}

// Registry maps participant ids to their live connection and presence.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*participant
	// seqs outlives entries so a participant that drops and comes back
	// keeps its place in the eligibility order.
	seqs    map[string]uint64
	nextSeq uint64
	now     func() time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]*participant), seqs: make(map[string]uint64), now: time.Now}
}

// Register attaches conn to id. A previous handle is closed once replaced;
// driver availability and assignment survive the swap. The registration
// sequence, and so the eligibility order, is assigned on first registration
// and kept across reconnects and disconnects.
func (r *Registry) Register(id string, role models.Role, conn Conn) models.Participant {
	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok {
		seq, seen := r.seqs[id]
		if !seen {
			r.nextSeq++
			seq = r.nextSeq
			r.seqs[id] = seq
		}
		p = &participant{seq: seq}
		p.ID = id
		r.entries[id] = p
	}
	old := p.conn
	p.Role = role
	p.conn = conn
	p.Connected = conn != nil
	p.ConnectedAt = r.now()
	out := p.Participant
	r.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	return out
}

// Unregister drops the participant regardless of which handle is current.
func (r *Registry) Unregister(id string) (models.Participant, bool) {
	return r.Detach(id, nil)
}

// Detach drops the participant only if conn is still its current handle, so
// a replaced socket shutting down cannot evict its successor. A nil conn
// matches any handle. Availability and assignment are dropped with it.
func (r *Registry) Detach(id string, conn Conn) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return models.Participant{}, false
	}
	if conn != nil && p.conn != conn {
		return models.Participant{}, false
	}
	delete(r.entries, id)
	out := p.Participant
	out.Connected = false
	return out, true
}

// SetAvailability toggles whether a driver wants offers.
func (r *Registry) SetAvailability(driverID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[driverID]
	if !ok {
		return ErrUnknown
	}
	if p.Role != models.RoleDriver {
		return ErrNotDriver
	}
	p.Available = available
	return nil
}

// ListEligibleDrivers returns connected, available, unassigned drivers not in
// exclude, in registration order.
func (r *Registry) ListEligibleDrivers(exclude map[string]struct{}) []string {
	r.mu.RLock()
	cands := make([]*participant, 0, len(r.entries))
	for id, p := range r.entries {
		if !eligible(p) {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		cands = append(cands, p)
	}
	r.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })
	out := make([]string, len(cands))
	for i, p := range cands {
		out[i] = p.ID
	}
	return out
}

func eligible(p *participant) bool {
	return p.Role == models.RoleDriver && p.Connected && p.Available && p.AssignedRequestID == ""
}

// Assign atomically binds an online driver to requestID and marks it
// unavailable. It fails if the driver already holds another assignment.
func (r *Registry) Assign(driverID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[driverID]
	if !ok || !p.Connected {
		return ErrNoSession
	}
	if p.Role != models.RoleDriver {
		return ErrNotDriver
	}
	if p.AssignedRequestID != "" && p.AssignedRequestID != requestID {
		return ErrDriverBusy
	}
	p.AssignedRequestID = requestID
	p.Available = false
	return nil
}

// Release clears the driver's assignment to requestID. When makeAvailable is
// set the driver becomes eligible for new offers again.
func (r *Registry) Release(driverID, requestID string, makeAvailable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[driverID]
	if !ok {
		return ErrUnknown
	}
	if p.AssignedRequestID != requestID {
		return ErrNotAssigned
	}
	p.AssignedRequestID = ""
	if makeAvailable {
		p.Available = true
	}
	return nil
}

// Send delivers v over the participant's current handle.
func (r *Registry) Send(id string, v any) error {
	r.mu.RLock()
	p, ok := r.entries[id]
	var c Conn
	if ok {
		c = p.conn
	}
	r.mu.RUnlock()
	if c == nil {
		return ErrNoSession
	}
	return c.Send(v)
}

func (r *Registry) Snapshot(id string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[id]
	if !ok {
		return models.Participant{}, false
	}
	return p.Participant, true
}

// Count returns the number of connected participants with the given role.
func (r *Registry) Count(role models.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.entries {
		if p.Role == role && p.Connected {
			n++
		}
	}
	return n
}
