package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestStore(historySize int) *Store {
	n := 0
	var mu sync.Mutex
	return New(Options{
		TTL:         30 * time.Second,
		HistorySize: historySize,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("req-%d", n)
		},
	})
}

func TestCreateDefaults(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(Options{Now: func() time.Time { return now }})
	r := s.Create(models.RideRequestInput{RiderID: "rider-1", FareEstimate: 12.5})
	if r.ID == "" {
		t.Fatal("expected id")
	}
	if r.State != models.StateRequested {
		t.Fatalf("expected requested, got %s", r.State)
	}
	if !r.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Fatalf("expected default ttl expiry, got %s", r.ExpiresAt)
	}
	got, ok := s.Get(r.ID)
	if !ok || got.RiderID != "rider-1" {
		t.Fatalf("get failed: %+v", got)
	}
}

func TestUpdateDiscardsOnMutatorError(t *testing.T) {
	s := newTestStore(4)
	r := s.Create(models.RideRequestInput{RiderID: "rider-1"})
	boom := errors.New("boom")
	_, err := s.Update(r.ID, func(r *models.RideRequest) error {
		r.State = models.StateOffered
		r.OfferedTo = append(r.OfferedTo, "d1")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	got, _ := s.Get(r.ID)
	if got.State != models.StateRequested || len(got.OfferedTo) != 0 {
		t.Fatalf("mutation leaked: %+v", got)
	}
}

func TestTerminalRecordsAreFrozen(t *testing.T) {
	s := newTestStore(4)
	r := s.Create(models.RideRequestInput{RiderID: "rider-1"})
	done, err := s.Update(r.ID, func(r *models.RideRequest) error {
		r.State = models.StateCancelled
		r.TerminalReason = models.ReasonCancelled
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.ResolvedAt.IsZero() {
		t.Fatal("expected resolved timestamp")
	}
	if s.Len() != 0 || s.HistoryLen() != 1 {
		t.Fatalf("expected record in history, active=%d history=%d", s.Len(), s.HistoryLen())
	}

	called := false
	snap, err := s.Update(r.ID, func(r *models.RideRequest) error {
		called = true
		r.State = models.StateAccepted
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if called {
		t.Fatal("mutator ran on terminal record")
	}
	if snap.State != models.StateCancelled {
		t.Fatalf("expected cancelled snapshot, got %s", snap.State)
	}
}

func TestUpdateUnknown(t *testing.T) {
	s := newTestStore(4)
	if _, err := s.Update("nope", func(*models.RideRequest) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestStore(2)
	var ids []string
	for i := 0; i < 3; i++ {
		r := s.Create(models.RideRequestInput{RiderID: "rider"})
		ids = append(ids, r.ID)
		if !s.Remove(r.ID) {
			t.Fatalf("remove %s failed", r.ID)
		}
	}
	if s.HistoryLen() != 2 {
		t.Fatalf("expected 2 history records, got %d", s.HistoryLen())
	}
	if _, ok := s.Get(ids[0]); ok {
		t.Fatal("oldest record should be evicted")
	}
	if _, err := s.Update(ids[2], func(*models.RideRequest) error { return nil }); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal for removed record, got %v", err)
	}
	if s.Remove(ids[2]) {
		t.Fatal("second remove should be a no-op")
	}
}

func TestAmendKeepsState(t *testing.T) {
	s := newTestStore(4)
	r := s.Create(models.RideRequestInput{RiderID: "rider"})
	if _, err := s.Amend(r.ID, func(*models.RideRequest) error { return nil }); !errors.Is(err, ErrActive) {
		t.Fatalf("expected ErrActive, got %v", err)
	}
	_, _ = s.Update(r.ID, func(r *models.RideRequest) error {
		r.State = models.StateAccepted
		r.AssignedDriverID = "d1"
		return nil
	})
	got, err := s.Amend(r.ID, func(r *models.RideRequest) error {
		r.TerminalReason = models.ReasonCompleted
		r.State = models.StateExpired
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateAccepted || got.TerminalReason != models.ReasonCompleted {
		t.Fatalf("unexpected amended record %+v", got)
	}

	boom := errors.New("boom")
	if _, err := s.Amend(r.ID, func(r *models.RideRequest) error {
		r.TerminalReason = models.ReasonAssignmentLost
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ = s.Get(r.ID)
	if got.TerminalReason != models.ReasonCompleted {
		t.Fatalf("failed amend leaked: %+v", got)
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s := newTestStore(16)
	r := s.Create(models.RideRequestInput{RiderID: "rider"})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(r.ID, func(r *models.RideRequest) error {
				r.Declined = append(r.Declined, fmt.Sprintf("d%d", i))
				return nil
			})
		}(i)
	}
	wg.Wait()
	got, _ := s.Get(r.ID)
	if len(got.Declined) != 100 {
		t.Fatalf("lost updates: %d", len(got.Declined))
	}
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	s := newTestStore(4)
	r := s.Create(models.RideRequestInput{RiderID: "rider"})
	snap, _ := s.Update(r.ID, func(r *models.RideRequest) error {
		r.OfferedTo = []string{"d1"}
		return nil
	})
	snap.OfferedTo[0] = "mutated"
	got, _ := s.Get(r.ID)
	if got.OfferedTo[0] != "d1" {
		t.Fatal("snapshot aliases stored slice")
	}
}

func TestRevisionGrowsWithEveryCommit(t *testing.T) {
	s := newTestStore(4)
	r := s.Create(models.RideRequestInput{RiderID: "rider"})
	if r.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", r.Revision)
	}
	snap, _ := s.Update(r.ID, func(r *models.RideRequest) error { return errors.New("no") })
	if snap.Revision != 1 {
		t.Fatalf("failed update bumped revision to %d", snap.Revision)
	}
	snap, _ = s.Update(r.ID, func(r *models.RideRequest) error {
		r.State = models.StateAccepted
		return nil
	})
	if snap.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", snap.Revision)
	}
	snap, _ = s.Amend(r.ID, func(r *models.RideRequest) error {
		r.TerminalReason = models.ReasonCompleted
		return nil
	})
	if snap.Revision != 3 {
		t.Fatalf("expected revision 3 after amend, got %d", snap.Revision)
	}
}

func TestHooksRunInCommitOrder(t *testing.T) {
	s := newTestStore(16)
	r := s.Create(models.RideRequestInput{RiderID: "rider"})
	var (
		mu   sync.Mutex
		seen []uint64
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateThen(r.ID, func(*models.RideRequest) error { return nil }, func(snap models.RideRequest) {
				mu.Lock()
				seen = append(seen, snap.Revision)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("hooks out of order: %v", seen)
		}
	}
}

func TestAmendWaitsForResolvingCommit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	s := New(Options{Now: func() time.Time {
		// first call stamps CreatedAt, second stamps ResolvedAt
		calls++
		if calls == 2 {
			close(entered)
			<-release
		}
		return time.Now()
	}})
	r := s.Create(models.RideRequestInput{RiderID: "rider"})

	committed := make(chan error, 1)
	go func() {
		_, err := s.Update(r.ID, func(r *models.RideRequest) error {
			r.State = models.StateAccepted
			r.AssignedDriverID = "d1"
			return nil
		})
		committed <- err
	}()
	<-entered

	amended := make(chan error, 1)
	go func() {
		_, err := s.Amend(r.ID, func(r *models.RideRequest) error {
			r.TerminalReason = models.ReasonAssignmentLost
			return nil
		})
		amended <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-committed; err != nil {
		t.Fatal(err)
	}
	if err := <-amended; err != nil {
		t.Fatalf("amend during commit: %v", err)
	}
	got, _ := s.Get(r.ID)
	if got.State != models.StateAccepted || got.TerminalReason != models.ReasonAssignmentLost {
		t.Fatalf("unexpected record %+v", got)
	}
}
