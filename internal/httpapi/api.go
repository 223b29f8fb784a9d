// Package httpapi exposes the verification engine over HTTP. Authentication
// and campus scoping happen in middleware; handlers translate JSON to
// engine calls and map sentinel errors to stable response kinds.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/attendance"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/qrtoken"
	"campusgate.org/internal/stream"
	"campusgate.org/internal/verify"
)

// Options configures the API surface.
type Options struct {
	Service *attendance.Service
	Feed    *stream.Stream
	// AuthSecret verifies bearer tokens. Required.
	AuthSecret string
	// Ready reports whether downstream dependencies are reachable.
	Ready func(context.Context) bool

	RatePerSecond float64
	RateBurst     int
	MaxBodyBytes  int64

	Version string
	Commit  string
}

// API is the assembled HTTP surface.
type API struct {
	mux     *http.ServeMux
	opts    Options
	limiter *rateLimiter
}

// New builds the route table.
func New(opts Options) (*API, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if opts.AuthSecret == "" {
		return nil, errors.New("httpapi: auth secret is required")
	}
	a := &API{mux: http.NewServeMux(), opts: opts}
	if opts.RatePerSecond > 0 {
		a.limiter = newRateLimiter(opts.RatePerSecond, max(opts.RateBurst, 1))
	}

	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	a.mux.HandleFunc("GET /v1/info", a.handleInfo)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/events", a.handleCreateEvent)
	a.mux.HandleFunc("GET /v1/events/{id}/token", a.handleIssueToken)
	a.mux.HandleFunc("POST /v1/events/{id}/token/regenerate", a.handleRegenerateToken)
	a.mux.HandleFunc("GET /v1/events/{id}/stats", a.handleEventStats)

	a.mux.HandleFunc("POST /v1/attendance", a.handleSubmit)
	a.mux.HandleFunc("POST /v1/attendance/override", a.handleOverride)
	a.mux.HandleFunc("POST /v1/tokens/validate", a.handleValidateToken)
	a.mux.HandleFunc("GET /v1/records", a.handleListRecords)
	a.mux.HandleFunc("GET /v1/stream", a.handleStream)

	return a, nil
}

// Close releases background resources owned by the API.
func (a *API) Close() {
	if a.limiter != nil {
		a.limiter.close()
	}
}

// Handler wraps the route table with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = authenticate(a.opts.AuthSecret, h)
	h = maxBodyBytes(a.opts.MaxBodyBytes, h)
	h = rateLimit(a.limiter, h)
	h = cors(h)
	h = securityHeaders(h)
	h = logging(h)
	return obs.Instrument(h)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{"error": map[string]any{"kind": kind, "message": message}}
}

// writeError maps engine errors to HTTP statuses with a stable kind.
func writeError(w http.ResponseWriter, err error) {
	kind := attendance.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		kind, status = "access_denied", http.StatusForbidden
	case errors.Is(err, access.ErrUnknownRole), errors.Is(err, access.ErrInvalidActor):
		kind, status = "invalid_actor", http.StatusBadRequest
	case errors.Is(err, attendance.ErrEventNotFound), errors.Is(err, attendance.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrNotEligibleForCampus):
		status = http.StatusForbidden
	case errors.Is(err, attendance.ErrAlreadyMarked), errors.Is(err, attendance.ErrEventAtCapacity):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrWindowClosed),
		errors.Is(err, attendance.ErrInvalidToken),
		errors.Is(err, attendance.ErrLocationOutOfRange),
		errors.Is(err, attendance.ErrMissingEvidence):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrInvalidEvent),
		errors.Is(err, attendance.ErrInvalidStatus),
		errors.Is(err, attendance.ErrNoteRequired),
		errors.Is(err, attendance.ErrMultiCampusDisabled):
		kind = "invalid_request"
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody(kind, err.Error()))
}

func actorFrom(r *http.Request) (access.Actor, string, bool) {
	actor, ok := access.ActorFromContext(r.Context())
	return actor, access.OverrideFromContext(r.Context()), ok
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := a.opts.Ready == nil || a.opts.Ready(r.Context())
	obs.SetReady(ready)
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "campusgate",
		"version": a.opts.Version,
		"commit":  a.opts.Commit,
	})
}

type coordinatesPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

func (c *coordinatesPayload) toDomain() *verify.Coordinates {
	if c == nil {
		return nil
	}
	return &verify.Coordinates{Latitude: c.Latitude, Longitude: c.Longitude, Accuracy: c.Accuracy}
}

type createEventRequest struct {
	CampusID          string              `json:"campus_id"`
	Title             string              `json:"title"`
	Venue             string              `json:"venue"`
	StartsAt          time.Time           `json:"starts_at"`
	EndsAt            time.Time           `json:"ends_at"`
	Coordinates       *coordinatesPayload `json:"coordinates"`
	MultiCampus       bool                `json:"multi_campus"`
	AllowedCampusIDs  []string            `json:"allowed_campus_ids"`
	MaxParticipants   *int                `json:"max_participants"`
	RequiresSelfie    bool                `json:"requires_selfie"`
	RequiresGPS       bool                `json:"requires_gps"`
	RequiresSignature bool                `json:"requires_signature"`
}

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	event, err := a.opts.Service.CreateEvent(r.Context(), actor, attendance.Event{
		CampusID:          req.CampusID,
		Title:             req.Title,
		Venue:             req.Venue,
		StartsAt:          req.StartsAt,
		EndsAt:            req.EndsAt,
		Coordinates:       req.Coordinates.toDomain(),
		MultiCampus:       req.MultiCampus,
		AllowedCampusIDs:  req.AllowedCampusIDs,
		MaxParticipants:   req.MaxParticipants,
		RequiresSelfie:    req.RequiresSelfie,
		RequiresGPS:       req.RequiresGPS,
		RequiresSignature: req.RequiresSignature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	payload, err := a.opts.Service.IssueEventToken(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": r.PathValue("id"), "qr_payload": payload})
}

func (a *API) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	payload, err := a.opts.Service.RegenerateEventToken(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": r.PathValue("id"), "qr_payload": payload})
}

func (a *API) handleEventStats(w http.ResponseWriter, r *http.Request) {
	actor, override, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	stats, err := a.opts.Service.EventStats(r.Context(), actor, override, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type submitRequest struct {
	EventID      string              `json:"event_id"`
	Method       string              `json:"method"`
	QRPayload    string              `json:"qr_payload"`
	Coordinates  *coordinatesPayload `json:"coordinates"`
	HasSelfie    bool                `json:"has_selfie"`
	HasSignature bool                `json:"has_signature"`
	ArrivalTime  *time.Time          `json:"arrival_time"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	if req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "event_id is required"))
		return
	}
	rec, err := a.opts.Service.Submit(r.Context(), actor, req.EventID, attendance.Evidence{
		Method:       attendance.Method(req.Method),
		Coordinates:  req.Coordinates.toDomain(),
		HasSelfie:    req.HasSelfie,
		HasSignature: req.HasSignature,
		QRPayload:    req.QRPayload,
		ArrivalTime:  req.ArrivalTime,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type overrideRequest struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
	Status  string `json:"status"`
	Note    string `json:"note"`
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	rec, err := a.opts.Service.Override(r.Context(), actor, req.EventID, req.ActorID, attendance.Status(req.Status), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRPayload string `json:"qr_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	eventID, err := a.opts.Service.ValidateToken(r.Context(), req.QRPayload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, qrtoken.ErrTokenExpired) {
			reason = "expired"
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "event_id": eventID})
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	actor, override, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 100)
	offset := queryInt(q.Get("offset"), 0)
	records, err := a.opts.Service.ListRecords(r.Context(), actor, override, q.Get("event_id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.opts.Feed == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "live stream is not enabled"))
		return
	}
	actor, override, ok := actorFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "no authenticated actor"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("store_error", "streaming unsupported"))
		return
	}
	scope, err := a.opts.Service.AccessScope(r.Context(), actor, override)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.opts.Feed.Subscribe(r.Context())
	for decision := range sub {
		// Only a super admin with no override sees the all-campus feed.
		if !scope.Contains(decision.CampusID) {
			continue
		}
		payload, err := json.Marshal(decision)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: decision\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
