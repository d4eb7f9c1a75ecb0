package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	closed int
}

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func online(r *Registry, ids ...string) {
	for _, id := range ids {
		r.Register(id, models.RoleDriver, &fakeConn{})
		_ = r.SetAvailability(id, true)
	}
}

func TestDriversDefaultUnavailable(t *testing.T) {
	r := New()
	r.Register("d1", models.RoleDriver, &fakeConn{})
	if got := r.ListEligibleDrivers(nil); len(got) != 0 {
		t.Fatalf("expected no eligible drivers, got %v", got)
	}
}

func TestListEligibleDriversIsRegistrationOrdered(t *testing.T) {
	r := New()
	online(r, "c", "a", "b")
	r.Register("rider", models.RoleRider, &fakeConn{})

	for i := 0; i < 5; i++ {
		got := r.ListEligibleDrivers(nil)
		if len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
			t.Fatalf("unexpected order %v", got)
		}
	}

	got := r.ListEligibleDrivers(map[string]struct{}{"a": {}})
	if len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Fatalf("exclusion not applied: %v", got)
	}
}

func TestReconnectKeepsOrderAndState(t *testing.T) {
	r := New()
	online(r, "a", "b")
	if err := r.Assign("a", "req-1"); err != nil {
		t.Fatal(err)
	}
	c2 := &fakeConn{}
	r.Register("a", models.RoleDriver, c2)

	p, ok := r.Snapshot("a")
	if !ok || p.AssignedRequestID != "req-1" {
		t.Fatalf("assignment lost on reconnect: %+v", p)
	}
	if err := r.Send("a", "hi"); err != nil {
		t.Fatal(err)
	}
	if len(c2.sent) != 1 {
		t.Fatalf("expected send on new handle")
	}
	if got := r.ListEligibleDrivers(nil); len(got) != 1 || got[0] != "b" {
		t.Fatalf("assigned driver eligible after reconnect: %v", got)
	}
}

func TestReplacedHandleIsClosed(t *testing.T) {
	r := New()
	first := &fakeConn{}
	r.Register("a", models.RoleDriver, first)
	second := &fakeConn{}
	r.Register("a", models.RoleDriver, second)

	if first.closeCount() != 1 {
		t.Fatalf("replaced handle closed %d times", first.closeCount())
	}
	// re-registering the same handle must not close it
	r.Register("a", models.RoleDriver, second)
	if second.closeCount() != 0 {
		t.Fatalf("current handle closed")
	}
}

func TestOrderSurvivesDisconnect(t *testing.T) {
	r := New()
	online(r, "a", "b", "c")
	if _, removed := r.Unregister("a"); !removed {
		t.Fatal("unregister failed")
	}
	if got := r.ListEligibleDrivers(nil); len(got) != 2 || got[0] != "b" {
		t.Fatalf("unexpected order while a is away: %v", got)
	}
	online(r, "d", "a")

	got := r.ListEligibleDrivers(nil)
	if len(got) != 4 || got[0] != "a" || got[1] != "b" || got[2] != "c" || got[3] != "d" {
		t.Fatalf("expected a to keep its first place, got %v", got)
	}
}

func TestDetachIgnoresStaleHandle(t *testing.T) {
	r := New()
	old := &fakeConn{}
	r.Register("a", models.RoleDriver, old)
	r.Register("a", models.RoleDriver, &fakeConn{})

	if _, removed := r.Detach("a", old); removed {
		t.Fatalf("stale handle evicted current session")
	}
	if _, ok := r.Snapshot("a"); !ok {
		t.Fatalf("participant missing")
	}
	if _, removed := r.Unregister("a"); !removed {
		t.Fatalf("unregister failed")
	}
	if err := r.Send("a", "x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestAssignPreventsDoubleBooking(t *testing.T) {
	r := New()
	online(r, "a")
	if err := r.Assign("a", "req-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign("a", "req-2"); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	if got := r.ListEligibleDrivers(nil); len(got) != 0 {
		t.Fatalf("assigned driver still eligible: %v", got)
	}
	// re-enabling availability does not make an assigned driver eligible
	_ = r.SetAvailability("a", true)
	if got := r.ListEligibleDrivers(nil); len(got) != 0 {
		t.Fatalf("assigned driver eligible after availability toggle: %v", got)
	}
	if err := r.Release("a", "req-2", true); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if err := r.Release("a", "req-1", true); err != nil {
		t.Fatal(err)
	}
	if got := r.ListEligibleDrivers(nil); len(got) != 1 {
		t.Fatalf("released driver not eligible: %v", got)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	r := New()
	online(r, "a")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Assign("a", string(rune('A'+i))) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one assignment, got %d", wins)
	}
}

func TestSetAvailabilityRejectsRiders(t *testing.T) {
	r := New()
	r.Register("r1", models.RoleRider, &fakeConn{})
	if err := r.SetAvailability("r1", true); !errors.Is(err, ErrNotDriver) {
		t.Fatalf("expected ErrNotDriver, got %v", err)
	}
	if err := r.SetAvailability("ghost", true); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if r.Count(models.RoleRider) != 1 || r.Count(models.RoleDriver) != 0 {
		t.Fatalf("unexpected counts")
	}
}
