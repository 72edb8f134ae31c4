package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/ratelimit"
	"github.com/example/ride-dispatch/internal/storage"
)

type harness struct {
	srv   *httptest.Server
	locks *lock.MemoryLocker
	grid  *geo.Grid
	hub   *notify.Hub
}

type option func(*Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		locks: lock.NewMemoryLocker(clock.Real),
		hub:   notify.NewHub(logging.Discard()),
	}
	h.grid = geo.NewGrid(geo.NewMemoryStore(clock.Real), geo.DefaultOptions(), clock.Real, logging.Discard())
	coord := dispatch.New(dispatch.Deps{
		Store:  storage.NewMemoryStore(clock.Real),
		Locks:  h.locks,
		Sink:   h.hub,
		Logger: logging.Discard(),
	}, dispatch.Config{LockWait: 20 * time.Millisecond, LockHold: time.Second})

	deps := Deps{
		Rides:     coord,
		Locations: h.grid,
		Events:    h.hub,
		Logger:    logging.Discard(),
	}
	for _, o := range opts {
		o(&deps)
	}
	h.srv = httptest.NewServer(NewServer(deps))
	t.Cleanup(func() {
		h.hub.Close()
		h.srv.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s status = %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

const rideBody = `{"pickup_location":"Times Square","drop_location":"JFK","pickup_lat":40.758,"pickup_lon":-73.9855,"fare":52.5,"distance_km":24.1}`

func TestRideLifecycle(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/rides", "alice", rideBody)
	expectStatus(t, resp, http.StatusOK)
	ride := decode[models.Ride](t, resp)
	if ride.UserID != "alice" || ride.Status != models.StatusRequested {
		t.Fatalf("created = %+v", ride)
	}

	pending := decode[[]models.Ride](t, h.do(t, http.MethodGet, "/api/v1/driver/rides/requests", "bob", ""))
	if len(pending) != 1 || pending[0].ID != ride.ID {
		t.Fatalf("pending = %+v", pending)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/driver/rides/"+ride.ID+"/accept", "bob", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[models.Ride](t, resp); got.DriverID != "bob" || got.Status != models.StatusAccepted {
		t.Fatalf("accepted = %+v", got)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/driver/rides/"+ride.ID+"/accept", "carol", "")
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Code != "conflict" {
		t.Fatalf("conflict body = %+v", body)
	}

	active := decode[[]models.Ride](t, h.do(t, http.MethodGet, "/api/v1/driver/bob/active-rides", "", ""))
	if len(active) != 1 {
		t.Fatalf("active = %+v", active)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", "bob", ""), http.StatusOK)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", "bob", ""), http.StatusConflict)

	mine := decode[[]models.Ride](t, h.do(t, http.MethodGet, "/api/v1/user/rides", "alice", ""))
	if len(mine) != 1 || mine[0].Status != models.StatusCompleted {
		t.Fatalf("my rides = %+v", mine)
	}
	done := decode[[]models.Ride](t, h.do(t, http.MethodGet, "/api/v1/user/alice/status/completed", "", ""))
	if len(done) != 1 {
		t.Fatalf("completed rides = %+v", done)
	}
	expectStatus(t, h.do(t, http.MethodGet, "/api/v1/user/alice/status/parked", "", ""), http.StatusBadRequest)
}

func TestRideSearchRoutes(t *testing.T) {
	h := newHarness(t)
	short := `{"pickup_location":"A","drop_location":"B","pickup_lat":40.7,"pickup_lon":-73.9,"fare":9,"distance_km":3}`
	long := `{"pickup_location":"C","drop_location":"D","pickup_lat":40.7,"pickup_lon":-73.9,"fare":70,"distance_km":40}`
	first := decode[models.Ride](t, h.do(t, http.MethodPost, "/api/v1/rides", "alice", short))
	second := decode[models.Ride](t, h.do(t, http.MethodPost, "/api/v1/rides", "bob", long))

	list := func(path string) []models.Ride {
		t.Helper()
		resp := h.do(t, http.MethodGet, path, "", "")
		expectStatus(t, resp, http.StatusOK)
		return decode[[]models.Ride](t, resp)
	}

	if got := list("/api/v1/filter-distance?min=0&max=10"); len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("filter-distance = %+v", got)
	}
	if got := list("/api/v1/sort?order=desc"); len(got) != 2 || got[0].ID != second.ID {
		t.Fatalf("sort desc = %+v", got)
	}
	if got := list("/api/v1/filter-status?status=requested"); len(got) != 2 {
		t.Fatalf("filter-status = %+v", got)
	}
	today := first.CreatedAt.UTC().Format("2006-01-02")
	if got := list("/api/v1/date/" + today); len(got) != 2 {
		t.Fatalf("date/%s = %+v", today, got)
	}
	if got := list("/api/v1/filter-date-range?start=2001-01-01&end=2001-01-31"); len(got) != 0 {
		t.Fatalf("filter-date-range = %+v", got)
	}

	for _, path := range []string{
		"/api/v1/filter-distance?min=5&max=1",
		"/api/v1/filter-distance?min=abc&max=1",
		"/api/v1/filter-date-range?start=2026-02-30&end=2026-03-01",
		"/api/v1/filter-date-range?start=2026-03-02&end=2026-03-01",
		"/api/v1/date/yesterday",
		"/api/v1/sort?order=sideways",
		"/api/v1/filter-status?status=parked",
	} {
		expectStatus(t, h.do(t, http.MethodGet, path, "", ""), http.StatusBadRequest)
	}
}

func TestCreateRideErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/rides", "", rideBody)
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[errorBody](t, resp); body.Code != "unauthenticated" {
		t.Fatalf("body = %+v", body)
	}

	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/rides", "alice", "{"), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/rides", "alice", `{"pickup_location":"a","drop_location":"b","fare":-2}`), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/rides/missing/accept", "bob", ""), http.StatusNotFound)
}

func TestAcceptContention(t *testing.T) {
	h := newHarness(t)
	ride := decode[models.Ride](t, h.do(t, http.MethodPost, "/api/v1/rides", "alice", rideBody))

	lease, err := h.locks.TryAcquire(context.Background(), "ride_lock:"+ride.ID, 0, time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer h.locks.Release(context.Background(), lease)

	resp := h.do(t, http.MethodPost, "/api/v1/driver/rides/"+ride.ID+"/accept", "bob", "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestDriverLocationAndNearby(t *testing.T) {
	h := newHarness(t)

	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d2&lat=40.7512&lon=-73.9801", "", ""), http.StatusNoContent)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d1&lat=40.7555&lon=-73.9899", "", ""), http.StatusNoContent)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d3&lat=40.805&lon=-73.955", "", ""), http.StatusNoContent)

	ids := decode[[]string](t, h.do(t, http.MethodGet, "/api/v1/nearby-drivers?lat=40.7599&lon=-73.9850", "", ""))
	if strings.Join(ids, ",") != "d1,d2" {
		t.Fatalf("nearby = %v", ids)
	}
	empty := decode[[]string](t, h.do(t, http.MethodGet, "/api/v1/nearby-drivers?lat=10&lon=10", "", ""))
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty cell = %#v", empty)
	}

	loc := decode[models.DriverLocation](t, h.do(t, http.MethodGet, "/api/v1/driver/d3/location", "", ""))
	if loc.Cell != "4080_-7395" || loc.Loc.Lat != 40.805 {
		t.Fatalf("location = %+v", loc)
	}
	expectStatus(t, h.do(t, http.MethodGet, "/api/v1/driver/ghost/location", "", ""), http.StatusNotFound)

	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d1&lat=91&lon=0", "", ""), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?lat=1&lon=1", "", ""), http.StatusBadRequest)
	expectStatus(t, h.do(t, http.MethodGet, "/api/v1/nearby-drivers?lat=abc&lon=1", "", ""), http.StatusBadRequest)
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []models.LocationUpdate
}

func (p *fakePublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, u)
	return nil
}

func TestDriverLocationQueuedWhenPublisherSet(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, func(d *Deps) { d.Publisher = pub })

	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d1&lat=40.75&lon=-73.98", "", ""), http.StatusAccepted)
	if len(pub.sent) != 1 || pub.sent[0].DriverID != "d1" || pub.sent[0].Loc.Lat != 40.75 {
		t.Fatalf("published = %+v", pub.sent)
	}
	if ids, _ := h.grid.Nearby(context.Background(), 40.75, -73.98); len(ids) != 0 {
		t.Fatalf("grid written inline: %v", ids)
	}

	pub.err = errors.New("broker down")
	expectStatus(t, h.do(t, http.MethodPost, "/api/v1/driver/location?driverId=d1&lat=40.75&lon=-73.98", "", ""), http.StatusServiceUnavailable)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(
		ratelimit.NewMemoryStore(clock.Real),
		ratelimit.Rule{Permits: 2, Window: time.Minute, IdleTTL: time.Hour},
		true,
		logging.Discard(),
	)
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })

	for i := 0; i < 2; i++ {
		expectStatus(t, h.do(t, http.MethodGet, "/api/v1/driver/rides/requests", "", ""), http.StatusOK)
	}
	resp := h.do(t, http.MethodGet, "/api/v1/driver/rides/requests", "", "")
	expectStatus(t, resp, http.StatusTooManyRequests)
	if body := decode[errorBody](t, resp); body.Message != "Too many requests." {
		t.Fatalf("body = %+v", body)
	}

	expectStatus(t, h.do(t, http.MethodGet, "/healthz", "", ""), http.StatusOK)
	expectStatus(t, h.do(t, http.MethodGet, "/metrics", "", ""), http.StatusOK)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(clock.Real), ratelimit.DefaultRule(), true, logging.Discard())
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })

	admitted := 0
	for i := 0; i < 50; i++ {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/driver/rides/requests", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			admitted++
		case http.StatusTooManyRequests:
			if i < 10 {
				t.Fatalf("request %d rejected inside the window", i)
			}
		default:
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	if admitted != 10 {
		t.Fatalf("admitted = %d, want 10", admitted)
	}
}

func TestClientIP(t *testing.T) {
	s := NewServer(Deps{
		Logger:         logging.Discard(),
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16"), netip.MustParsePrefix("127.0.0.1/32")},
	})
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"no header", "203.0.113.7:5000", "", "203.0.113.7"},
		{"untrusted peer spoofing", "203.0.113.7:5000", "198.51.100.1", "203.0.113.7"},
		{"trusted proxy", "10.1.2.3:443", "198.51.100.1", "198.51.100.1"},
		{"trusted chain", "127.0.0.1:443", "198.51.100.1, 10.1.9.9", "198.51.100.1"},
		{"client prepends fake hop", "10.1.2.3:443", "1.2.3.4, 198.51.100.1", "198.51.100.1"},
		{"trusted proxy without header", "10.1.2.3:443", "", "10.1.2.3"},
		{"mapped v4 peer", "[::ffff:10.1.2.3]:443", "198.51.100.1", "198.51.100.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/rides", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := s.clientIP(r); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBypassRateLimit(t *testing.T) {
	cases := map[string]bool{
		"/ws":                 true,
		"/css/site.css":       true,
		"/healthz":            true,
		"/metrics":            true,
		"/wsx":                false,
		"/api/v1/rides":       false,
		"/api/v1/ws":          false,
		"/cssfoo/not-a-match": false,
	}
	for path, want := range cases {
		if got := bypassRateLimit(path); got != want {
			t.Errorf("bypassRateLimit(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	h := newHarness(t, func(d *Deps) { d.Auth = NewAuthenticator(secret) })

	sign := func(claims jwt.MapClaims, key string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	call := func(token string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/rides", strings.NewReader(rideBody))
		req.Header.Set("X-User-ID", "spoofed")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := call(sign(jwt.MapClaims{"user_id": "alice"}, secret))
	expectStatus(t, resp, http.StatusOK)
	if ride := decode[models.Ride](t, resp); ride.UserID != "alice" {
		t.Fatalf("ride owner = %q", ride.UserID)
	}

	expectStatus(t, call(""), http.StatusUnauthorized)
	expectStatus(t, call(sign(jwt.MapClaims{"user_id": "alice"}, "other")), http.StatusUnauthorized)
	expectStatus(t, call(sign(jwt.MapClaims{"role": "PASSENGER"}, secret)), http.StatusUnauthorized)
}

func TestWebSocketReceivesRideEvents(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ride := decode[models.Ride](t, h.do(t, http.MethodPost, "/api/v1/rides", "alice", rideBody))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Topic != dispatch.RideTopic || ev.Type != "requested" || ev.Ride.ID != ride.ID {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") != "abc-123" {
		t.Fatalf("X-Request-ID = %q", resp.Header.Get("X-Request-ID"))
	}
}
