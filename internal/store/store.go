package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride request not found")
	ErrTerminal = errors.New("ride request already resolved")
	ErrActive   = errors.New("ride request still in flight")
)

const (
	DefaultTTL         = 60 * time.Second
	DefaultHistorySize = 1024
)

type Options struct {
	TTL         time.Duration
	HistorySize int
	Now         func() time.Time
	NewID       func() string
}

// entry is the serialization unit for one request: every mutation of the
// record, and the follow-up work of a committed mutation, happens under its
// mutex. Retired entries move to history and keep serializing annotations.
type entry struct {
	mu   sync.Mutex
	req  models.RideRequest
	gone bool
}

// Store holds in-flight ride requests plus a bounded history of resolved
// ones. The map lock only guards lookups; there is no cross-request lock
// while a mutation runs. Lock order is entry, then map.
type Store struct {
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu          sync.RWMutex
	active      map[string]*entry
	history     map[string]*entry
	order       []string
	historySize int
}

func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Store{
		ttl:         opts.TTL,
		now:         opts.Now,
		newID:       opts.NewID,
		active:      make(map[string]*entry),
		history:     make(map[string]*entry),
		historySize: opts.HistorySize,
	}
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Create allocates a new request in state requested.
func (s *Store) Create(in models.RideRequestInput) models.RideRequest {
	now := s.now()
	req := models.RideRequest{
		ID:           s.newID(),
		RiderID:      in.RiderID,
		Origin:       in.Origin,
		Destination:  in.Destination,
		FareEstimate: in.FareEstimate,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		State:        models.StateRequested,
		Revision:     1,
	}
	s.mu.Lock()
	s.active[req.ID] = &entry{req: req}
	s.mu.Unlock()
	return req.Clone()
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.active[id]; ok {
		return e, true
	}
	e, ok := s.history[id]
	return e, ok
}

// Get returns the current record, active or resolved. It waits for any
// in-flight mutation of the record to finish.
func (s *Store) Get(id string) (models.RideRequest, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return models.RideRequest{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.Clone(), true
}

// Update runs fn against a working copy of the record under the record's
// lock and commits the copy if fn returns nil. Terminal records are never
// mutated: Update returns their snapshot with ErrTerminal. A commit that
// reaches a terminal state moves the record to history before the lock is
// released.
func (s *Store) Update(id string, fn func(r *models.RideRequest) error) (models.RideRequest, error) {
	return s.UpdateThen(id, fn, nil)
}

// UpdateThen is Update with a hook that runs on the committed snapshot
// before the record's lock is released, so hooks of one request run in
// commit order.
func (s *Store) UpdateThen(id string, fn func(r *models.RideRequest) error, then func(snap models.RideRequest)) (models.RideRequest, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.req.State.Terminal() {
		return e.req.Clone(), ErrTerminal
	}

	work := e.req.Clone()
	if err := fn(&work); err != nil {
		return e.req.Clone(), err
	}
	work.Revision = e.req.Revision + 1
	e.req = work
	if e.req.State.Terminal() {
		if e.req.ResolvedAt.IsZero() {
			e.req.ResolvedAt = s.now()
		}
		s.retireLocked(id, e)
	}
	snap := e.req.Clone()
	if then != nil {
		then(snap.Clone())
	}
	return snap, nil
}

// Remove moves a record into history without changing its state.
func (s *Store) Remove(id string) bool {
	s.mu.RLock()
	e, ok := s.active[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return false
	}
	s.retireLocked(id, e)
	return true
}

// retireLocked requires e.mu held.
func (s *Store) retireLocked(id string, e *entry) {
	e.gone = true

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	if _, exists := s.history[id]; !exists {
		s.order = append(s.order, id)
	}
	s.history[id] = e
	for len(s.order) > s.historySize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.history, oldest)
	}
}

// Amend annotates a resolved record; fn's changes are discarded if it
// returns an error. State is left untouched. A record whose resolving
// mutation is still running is waited for; a record that is still in flight
// after that yields ErrActive.
func (s *Store) Amend(id string, fn func(r *models.RideRequest) error) (models.RideRequest, error) {
	return s.AmendThen(id, fn, nil)
}

// AmendThen is Amend with a hook run under the record's lock, ordered after
// the hook of the commit that resolved the record.
func (s *Store) AmendThen(id string, fn func(r *models.RideRequest) error, then func(snap models.RideRequest)) (models.RideRequest, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.gone {
		return e.req.Clone(), ErrActive
	}
	work := e.req.Clone()
	if err := fn(&work); err != nil {
		return e.req.Clone(), err
	}
	work.State = e.req.State
	work.Revision = e.req.Revision + 1
	e.req = work
	snap := e.req.Clone()
	if then != nil {
		then(snap.Clone())
	}
	return snap, nil
}

// Active lists the ids of in-flight requests.
func (s *Store) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
