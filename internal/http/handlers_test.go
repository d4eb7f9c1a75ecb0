package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/store"
)

type nopConn struct{}

func (nopConn) Send(any) error { return nil }
func (nopConn) Close() error   { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	n := notify.New(reg, nil, logging.Discard(), 16)
	engine := &dispatch.Engine{
		Store:     store.New(store.Options{TTL: time.Minute}),
		Registry:  reg,
		Scheduler: scheduler.New(),
		Listener:  n,
		Logger:    logging.Discard(),
	}
	t.Cleanup(func() {
		engine.Close()
		n.Close()
	})
	return NewServer(engine, logging.Discard(), Options{WSSendBuffer: 16})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

var rideInput = models.RideRequestInput{
	RiderID:      "r1",
	Origin:       models.Coord{Lat: 43.238, Lon: 76.889},
	Destination:  models.Coord{Lat: 43.256, Lon: 76.928},
	FareEstimate: 1800,
}

func goOnline(t *testing.T, s *Server, id string) {
	t.Helper()
	if _, err := s.Engine.RegisterConnection(id, models.RoleDriver, nopConn{}); err != nil {
		t.Fatal(err)
	}
	if rr := do(t, s, "POST", "/api/v1/drivers/"+id+"/availability", map[string]bool{"available": true}); rr.Code != 204 {
		t.Fatalf("availability: %d %s", rr.Code, rr.Body.String())
	}
}

func TestSubmitWithoutDriversReturns503(t *testing.T) {
	s := newTestServer(t)
	rr := do(t, s, "POST", "/api/v1/rides/request", rideInput)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decode[errorBody](t, rr)
	if body.Error != "no_drivers_available" || body.Request == nil {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Request.State != models.StateRejectedByAll {
		t.Fatalf("expected rejected_by_all, got %s", body.Request.State)
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	goOnline(t, s, "d1")

	rr := do(t, s, "POST", "/api/v1/rides/request", rideInput)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	created := decode[models.RideRequest](t, rr)
	if created.State != models.StateOffered || !created.WasOfferedTo("d1") {
		t.Fatalf("unexpected request %+v", created)
	}

	rr = do(t, s, "GET", "/api/v1/rides/"+created.ID, nil)
	if rr.Code != 200 {
		t.Fatalf("get: %d", rr.Code)
	}

	rr = do(t, s, "POST", "/api/v1/rides/"+created.ID+"/respond", respondBody{DriverID: "d1", Decision: models.DecisionAccept})
	if rr.Code != 200 {
		t.Fatalf("accept: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[models.RideRequest](t, rr); got.State != models.StateAccepted || got.AssignedDriverID != "d1" {
		t.Fatalf("unexpected accept result %+v", got)
	}

	rr = do(t, s, "POST", "/api/v1/rides/"+created.ID+"/respond", respondBody{DriverID: "d1", Decision: models.DecisionAccept})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second accept, got %d", rr.Code)
	}

	rr = do(t, s, "POST", "/api/v1/rides/"+created.ID+"/cancel", map[string]string{"rider_id": "r1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on cancel after accept, got %d", rr.Code)
	}

	rr = do(t, s, "POST", "/api/v1/rides/"+created.ID+"/complete", map[string]string{"driver_id": "d1"})
	if rr.Code != 200 {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[models.RideRequest](t, rr); got.TerminalReason != models.ReasonCompleted {
		t.Fatalf("expected completed, got %+v", got)
	}
}

func TestCancelByStrangerIsForbidden(t *testing.T) {
	s := newTestServer(t)
	goOnline(t, s, "d1")
	created := decode[models.RideRequest](t, do(t, s, "POST", "/api/v1/rides/request", rideInput))

	rr := do(t, s, "POST", "/api/v1/rides/"+created.ID+"/cancel", map[string]string{"rider_id": "someone-else"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = do(t, s, "POST", "/api/v1/rides/"+created.ID+"/cancel", map[string]string{"rider_id": "r1"})
	if rr.Code != 200 {
		t.Fatalf("cancel: %d", rr.Code)
	}
	if got := decode[models.RideRequest](t, rr); got.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}

func TestBadInputs(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/rides/request", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != 400 {
		t.Fatalf("malformed body: expected 400, got %d", rr.Code)
	}

	if rr := do(t, s, "POST", "/api/v1/rides/request", models.RideRequestInput{}); rr.Code != 400 {
		t.Fatalf("missing rider: expected 400, got %d", rr.Code)
	}
	if rr := do(t, s, "GET", "/api/v1/rides/missing", nil); rr.Code != 404 {
		t.Fatalf("unknown ride: expected 404, got %d", rr.Code)
	}
	if rr := do(t, s, "POST", "/api/v1/drivers/ghost/availability", map[string]bool{"available": true}); rr.Code != 404 {
		t.Fatalf("unknown driver: expected 404, got %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&dispatch.RejectionError{Kind: dispatch.ErrNotFound}, 404},
		{&dispatch.RejectionError{Kind: dispatch.ErrAlreadyResolved}, 409},
		{&dispatch.RejectionError{Kind: dispatch.ErrNotEligible}, 403},
		{&dispatch.RejectionError{Kind: dispatch.ErrNoDriversAvailable}, 503},
		{&dispatch.RejectionError{Kind: dispatch.ErrInvalid}, 400},
		{errors.New("boom"), 500},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("%v: expected %d, got %d", c.err, c.want, got)
		}
	}
}

func TestReadyReportsBackingServices(t *testing.T) {
	s := newTestServer(t)
	if rr := do(t, s, "GET", "/ready", nil); rr.Code != 200 {
		t.Fatalf("expected ready, got %d", rr.Code)
	}
	s.opts.Ready = func(_ context.Context) error { return errors.New("redis down") }
	if rr := do(t, s, "GET", "/ready", nil); rr.Code != 503 {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil reads frames until one has the wanted type.
func readUntil(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m map[string]any
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func TestDriverSocketReceivesOfferAndAccepts(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	driver := dialWS(t, srv, "/ws/driver/d1")
	rider := dialWS(t, srv, "/ws/rider/r1")
	if err := rider.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, rider, "pong")

	if err := driver.WriteJSON(map[string]any{"type": "availability", "available": true}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, driver, "ack")

	rr := do(t, s, "POST", "/api/v1/rides/request", rideInput)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	created := decode[models.RideRequest](t, rr)

	offer := readUntil(t, driver, models.NotifyRideOffer)
	if offer["request_id"] != created.ID {
		t.Fatalf("offer for wrong request: %v", offer)
	}

	if err := driver.WriteJSON(map[string]any{"type": "respond", "request_id": created.ID, "decision": "accept"}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, driver, "ack")
	if ack["state"] != string(models.StateAccepted) {
		t.Fatalf("unexpected ack %v", ack)
	}

	assigned := readUntil(t, rider, models.NotifyAssigned)
	if assigned["driver_id"] != "d1" {
		t.Fatalf("unexpected assignment %v", assigned)
	}
}

func TestRiderCannotRespondOverSocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	rider := dialWS(t, srv, "/ws/rider/r1")
	if err := rider.WriteJSON(map[string]any{"type": "respond", "request_id": "x", "decision": "accept"}); err != nil {
		t.Fatal(err)
	}
	reply := readUntil(t, rider, "error")
	if reply["error"] != "not_eligible" {
		t.Fatalf("unexpected reply %v", reply)
	}
}

func TestSocketRejectsUnknownRole(t *testing.T) {
	s := newTestServer(t)
	if rr := do(t, s, "GET", "/ws/admin/a1", nil); rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
