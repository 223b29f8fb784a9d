package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campusgate.org/internal/access"
	"campusgate.org/internal/attendance"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/campus"
	"campusgate.org/internal/qrtoken"
	"campusgate.org/internal/stream"
)

const (
	authSecret   = "authn-secret"
	mainCampus   = "snsu-main"
	islandCampus = "snsu-del-carmen"
)

type testEnv struct {
	api   *API
	h     http.Handler
	svc   *attendance.Service
	store *attendance.InMemory
	now   time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := campus.NewInMemoryDirectory()
	dir.Put(campus.Campus{ID: mainCampus, Name: "Main", Code: "MAIN", Active: true}, campus.DefaultConfig(mainCampus))
	dir.Put(campus.Campus{ID: islandCampus, Name: "Del Carmen", Code: "DC", Active: true}, campus.DefaultConfig(islandCampus))

	store := attendance.NewInMemory()
	resolver, err := access.NewResolver(dir)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	tokens, err := qrtoken.NewManager("qr-secret", "")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	auditor, err := audit.NewWriter(store)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	now := time.Now().UTC()
	svc, err := attendance.NewService(store, dir, resolver, tokens, auditor,
		attendance.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	api, err := New(Options{
		Service:    svc,
		AuthSecret: authSecret,
		Version:    "test",
		Commit:     "none",
	})
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	t.Cleanup(api.Close)
	return &testEnv{api: api, h: api.Handler(), svc: svc, store: store, now: now}
}

func bearer(t *testing.T, sub, role, home string, campuses ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    sub,
		"role":   role,
		"campus": home,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	if len(campuses) > 0 {
		claims["campuses"] = campuses
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authSecret))
	if err != nil {
		t.Fatalf("sign bearer: %v", err)
	}
	return "Bearer " + signed
}

func (e *testEnv) request(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:54321"
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

// createEvent provisions an event directly through the engine so HTTP tests
// have something to mark against.
func (e *testEnv) createEvent(t *testing.T, mutate func(*attendance.Event)) attendance.Event {
	t.Helper()
	organizer := access.Actor{ID: "org-1", Role: access.RoleOrganizer, HomeCampusID: mainCampus}
	draft := attendance.Event{
		CampusID: mainCampus,
		Title:    "Orientation",
		StartsAt: e.now.Add(10 * time.Minute),
		EndsAt:   e.now.Add(2 * time.Hour),
	}
	if mutate != nil {
		mutate(&draft)
	}
	event, err := e.svc.CreateEvent(context.Background(), organizer, draft)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return event
}

func TestPublicPaths(t *testing.T) {
	env := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rec := env.request(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestAuthnRequired(t *testing.T) {
	env := newEnv(t)

	rec := env.request(t, http.MethodGet, "/v1/records", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/records", "Bearer not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/v1/records", bearer(t, "u1", "janitor", mainCampus), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown role status = %d, want 403", rec.Code)
	}
}

func TestSubmitOverHTTP(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)
	auth := bearer(t, "stu-1", "participant", mainCampus)

	rec := env.request(t, http.MethodPost, "/v1/attendance", auth, map[string]any{
		"event_id":   event.ID,
		"qr_payload": event.QRCodeData,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got attendance.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ActorID != "stu-1" || got.EventID != event.ID {
		t.Fatalf("record = %+v", got)
	}
	if got.IPAddress != "203.0.113.9" {
		t.Fatalf("ip = %q, want client address", got.IPAddress)
	}

	// Second submission conflicts.
	rec = env.request(t, http.MethodPost, "/v1/attendance", auth, map[string]any{
		"event_id":   event.ID,
		"qr_payload": event.QRCodeData,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Kind != "already_marked" {
		t.Fatalf("kind = %q, want already_marked", body.Error.Kind)
	}
}

func TestSubmitForeignCampusForbidden(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)

	rec := env.request(t, http.MethodPost, "/v1/attendance", bearer(t, "stu-x", "participant", islandCampus), map[string]any{
		"event_id":   event.ID,
		"qr_payload": event.QRCodeData,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCreateEventOverHTTP(t *testing.T) {
	env := newEnv(t)

	payload := map[string]any{
		"title":     "Research Forum",
		"campus_id": mainCampus,
		"starts_at": env.now.Add(time.Hour).Format(time.RFC3339),
		"ends_at":   env.now.Add(3 * time.Hour).Format(time.RFC3339),
	}

	rec := env.request(t, http.MethodPost, "/v1/events", bearer(t, "stu-1", "participant", mainCampus), payload)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("participant create status = %d, want 403", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/v1/events", bearer(t, "org-1", "organizer", mainCampus), payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var event attendance.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.QRCodeData == "" || event.WindowStart == nil {
		t.Fatalf("event missing derived fields: %+v", event)
	}
}

func TestTokenEndpoints(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)

	org := bearer(t, "org-1", "organizer", mainCampus)
	adm := bearer(t, "adm-1", "campus_admin", mainCampus)

	rec := env.request(t, http.MethodGet, "/v1/events/"+event.ID+"/token", org, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.request(t, http.MethodPost, "/v1/events/"+event.ID+"/token/regenerate", org, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("organizer regenerate status = %d, want 403", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/v1/events/"+event.ID+"/token/regenerate", adm, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin regenerate status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.request(t, http.MethodPost, "/v1/tokens/validate", org, map[string]string{"qr_payload": "junk"})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d", rec.Code)
	}
	var verdict struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verdict.Valid || verdict.Reason != "malformed" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestStatsAndCampusOverride(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)

	// A campus admin homed elsewhere but granted the event campus can scope
	// into it with the override header.
	req := httptest.NewRequest(http.MethodGet, "/v1/events/"+event.ID+"/stats", nil)
	req.Header.Set("Authorization", bearer(t, "adm-2", "campus_admin", islandCampus, islandCampus, mainCampus))
	req.Header.Set(campusOverrideHeader, mainCampus)
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// Without the grant the override silently falls back home, which is out
	// of the event's campus.
	req = httptest.NewRequest(http.MethodGet, "/v1/events/"+event.ID+"/stats", nil)
	req.Header.Set("Authorization", bearer(t, "adm-3", "campus_admin", islandCampus))
	req.Header.Set(campusOverrideHeader, mainCampus)
	rec = httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestListRecordsScopedOverHTTP(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)

	auth := bearer(t, "stu-1", "participant", mainCampus)
	rec := env.request(t, http.MethodPost, "/v1/attendance", auth, map[string]any{
		"event_id":   event.ID,
		"qr_payload": event.QRCodeData,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}

	cases := []struct {
		name string
		auth string
		want int
	}{
		{"same campus", bearer(t, "stu-2", "participant", mainCampus), 1},
		{"foreign campus", bearer(t, "stu-3", "participant", islandCampus), 0},
		{"super admin", bearer(t, "root", "super_admin", islandCampus), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(t, http.MethodGet, fmt.Sprintf("/v1/records?event_id=%s", event.ID), tc.auth, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			var body struct {
				Count int `json:"count"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tc.want {
				t.Fatalf("count = %d, want %d", body.Count, tc.want)
			}
		})
	}
}

func TestOverrideOverHTTP(t *testing.T) {
	env := newEnv(t)
	event := env.createEvent(t, nil)
	adm := bearer(t, "adm-1", "campus_admin", mainCampus)

	rec := env.request(t, http.MethodPost, "/v1/attendance/override", adm, map[string]string{
		"event_id": event.ID,
		"actor_id": "stu-absent",
		"status":   "excused",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing note status = %d, want 400", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/v1/attendance/override", adm, map[string]string{
		"event_id": event.ID,
		"actor_id": "stu-absent",
		"status":   "excused",
		"note":     "medical certificate",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got attendance.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Method != attendance.MethodAdminOverride || got.Status != attendance.StatusExcused {
		t.Fatalf("record = %+v", got)
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	env := newEnv(t)

	rec := env.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}

	req := httptest.NewRequest(http.MethodOptions, "/v1/attendance", nil)
	res := httptest.NewRecorder()
	env.h.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", res.Code)
	}
	if res.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("missing CORS headers on preflight")
	}
}

// streamDecisions reads SSE data lines off a live response body.
func streamDecisions(t *testing.T, body *bufio.Scanner, n int) []stream.Decision {
	t.Helper()
	var out []stream.Decision
	for body.Scan() && len(out) < n {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var d stream.Decision
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
			t.Fatalf("decode stream line %q: %v", line, err)
		}
		out = append(out, d)
	}
	return out
}

func TestStreamScopedToSubscriberCampus(t *testing.T) {
	env := newEnv(t)
	feed := stream.New()
	api, err := New(Options{Service: env.svc, Feed: feed, AuthSecret: authSecret})
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	t.Cleanup(api.Close)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A campus admin scoped to the island campus must never receive main
	// campus decisions, privileged role or not.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", bearer(t, "adm-1", "campus_admin", islandCampus))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	// Publish interleaved decisions until the subscriber has seen enough.
	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubDone:
				return
			case <-ticker.C:
				feed.Publish(stream.Decision{EventID: "evt-m", CampusID: mainCampus, ActorID: "stu-1", Outcome: "accepted", Timestamp: time.Now()})
				feed.Publish(stream.Decision{EventID: "evt-i", CampusID: islandCampus, ActorID: "stu-2", Outcome: "accepted", Timestamp: time.Now()})
			}
		}
	}()

	got := streamDecisions(t, bufio.NewScanner(res.Body), 3)
	if len(got) != 3 {
		t.Fatalf("received %d decisions, want 3", len(got))
	}
	for _, d := range got {
		if d.CampusID != islandCampus {
			t.Fatalf("campus admin received a %s decision", d.CampusID)
		}
	}
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t)
	api, err := New(Options{
		Service:       env.svc,
		AuthSecret:    authSecret,
		RatePerSecond: 1,
		RateBurst:     2,
	})
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	t.Cleanup(api.Close)
	h := api.Handler()
	auth := bearer(t, "stu-1", "participant", mainCampus)

	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
		req.RemoteAddr = "203.0.113.9:54321"
		req.Header.Set("Authorization", auth)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("burst of 5 never hit the limiter with burst 2")
	}
}
