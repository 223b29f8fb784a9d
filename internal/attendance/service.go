package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/campus"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/qrtoken"
	"campusgate.org/internal/stream"
	"campusgate.org/internal/verify"
)

// TokenCache is an optional fast path in front of the event token column.
// Implementations must be safe to skip: a miss always falls through to the
// store.
type TokenCache interface {
	GetEventToken(ctx context.Context, eventID string) (string, bool)
	SetEventToken(ctx context.Context, eventID, payload string, ttl time.Duration)
}

// Service orchestrates the verification pipeline: tenant eligibility,
// capacity, duplicate, time-window, token, GPS and evidence gates feeding
// one admission decision with an auditable trail.
type Service struct {
	store    Store
	campuses campus.Directory
	resolver *access.Resolver
	tokens   *qrtoken.Manager
	auditor  *audit.Writer

	feed  *stream.Stream
	cache TokenCache
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests pin "now" with this.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFeed publishes decisions to the live stream.
func WithFeed(feed *stream.Stream) Option {
	return func(s *Service) { s.feed = feed }
}

// WithTokenCache fronts token issuance with a cache.
func WithTokenCache(c TokenCache) Option {
	return func(s *Service) { s.cache = c }
}

// NewService wires the pipeline.
func NewService(store Store, campuses campus.Directory, resolver *access.Resolver, tokens *qrtoken.Manager, auditor *audit.Writer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("attendance: store is required")
	}
	if campuses == nil {
		return nil, errors.New("attendance: campus directory is required")
	}
	if resolver == nil {
		return nil, errors.New("attendance: resolver is required")
	}
	if tokens == nil {
		return nil, errors.New("attendance: token manager is required")
	}
	if auditor == nil {
		return nil, errors.New("attendance: audit writer is required")
	}
	s := &Service{
		store:    store,
		campuses: campuses,
		resolver: resolver,
		tokens:   tokens,
		auditor:  auditor,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit runs one attendance-marking attempt through the ordered gates.
// The first failing gate determines the reported reason; every gate that
// ran up to the short-circuit point is still part of the audit trail.
func (s *Service) Submit(ctx context.Context, actor access.Actor, eventID string, ev Evidence) (Record, error) {
	now := s.now()

	event, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return Record{}, err
	}
	cfg, err := s.campuses.FindConfig(ctx, event.CampusID)
	if err != nil {
		return Record{}, fmt.Errorf("campus config for %s: %w", event.CampusID, err)
	}

	method := ev.Method
	if method == "" {
		method = MethodQRCode
	}

	var results []ValidationResult
	pass := func(t ValidationType, confidence float64, details map[string]any) {
		results = append(results, ValidationResult{Type: t, Status: ValidationPassed, Confidence: confidence, Details: details})
	}
	fail := func(t ValidationType, cause error, details map[string]any) (Record, error) {
		results = append(results, ValidationResult{Type: t, Status: ValidationFailed, Details: details})
		return Record{}, s.reject(ctx, actor, event, ev, cause, results, now)
	}

	// Gate 1: tenant eligibility.
	if !event.AllowsCampus(actor.HomeCampusID) {
		return fail(ValidationEligibility, ErrNotEligibleForCampus, map[string]any{
			"home_campus":  actor.HomeCampusID,
			"event_campus": event.CampusID,
			"multi_campus": event.MultiCampus,
		})
	}
	if actor.HomeCampusID != event.CampusID && !cfg.CrossCampusAttendanceEnabled {
		return fail(ValidationEligibility, ErrNotEligibleForCampus, map[string]any{
			"home_campus": actor.HomeCampusID,
			"reason":      "cross-campus attendance disabled",
		})
	}
	pass(ValidationEligibility, 1, nil)

	// Gate 2: capacity. Advisory under race; a small overshoot beats a
	// serializing lock around the whole event.
	if event.MaxParticipants != nil {
		count, err := s.store.CountPresent(ctx, event.ID)
		if err != nil {
			return Record{}, err
		}
		if count >= *event.MaxParticipants {
			return fail(ValidationCapacity, ErrEventAtCapacity, map[string]any{
				"present": count,
				"max":     *event.MaxParticipants,
			})
		}
	}
	pass(ValidationCapacity, 1, nil)

	// Gate 3: duplicate pre-check. The storage unique constraint on
	// (event, actor) is the real guarantee; InsertRecord below collapses a
	// constraint violation to the same ErrAlreadyMarked.
	exists, err := s.store.ExistsRecord(ctx, event.ID, actor.ID)
	if err != nil {
		return Record{}, err
	}
	if exists {
		return fail(ValidationDuplicate, ErrAlreadyMarked, nil)
	}
	pass(ValidationDuplicate, 1, nil)

	// Gate 4: attendance window. An event without a computed window cannot
	// accept attendance at all.
	if event.WindowStart == nil || event.WindowEnd == nil {
		return fail(ValidationTimeWindow, ErrWindowClosed, map[string]any{"reason": "no attendance window"})
	}
	if !verify.InWindow(now, *event.WindowStart, *event.WindowEnd) {
		return fail(ValidationTimeWindow, ErrWindowClosed, map[string]any{
			"window_start": event.WindowStart,
			"window_end":   event.WindowEnd,
			"now":          now,
		})
	}
	pass(ValidationTimeWindow, 1, nil)

	// Gate 5: token check, for QR submissions only.
	if method == MethodQRCode {
		tokenEventID, err := s.tokens.Verify(ev.QRPayload, now)
		if err != nil {
			detail := "malformed"
			if errors.Is(err, qrtoken.ErrTokenExpired) {
				detail = "expired"
			}
			return fail(ValidationQRToken, ErrInvalidToken, map[string]any{"reason": detail})
		}
		if tokenEventID != event.ID {
			return fail(ValidationQRToken, ErrInvalidToken, map[string]any{"reason": "event mismatch"})
		}
		// A signature check alone would keep pre-regeneration payloads
		// alive until expiry. Only the currently stored payload counts.
		if ev.QRPayload != event.QRCodeData {
			return fail(ValidationQRToken, ErrInvalidToken, map[string]any{"reason": "superseded"})
		}
		pass(ValidationQRToken, 1, nil)
	}

	// Gate 6: GPS proximity.
	gpsRequired := event.RequiresGPS && cfg.GPSValidationEnabled
	if !gpsRequired {
		pass(ValidationGPSDistance, 1, map[string]any{"skipped": true})
	} else {
		target := event.Coordinates
		if target == nil {
			if c, err := s.campuses.Find(ctx, event.CampusID); err == nil && c.Latitude != nil && c.Longitude != nil {
				target = &verify.Coordinates{Latitude: *c.Latitude, Longitude: *c.Longitude}
			}
		}
		prox := verify.CheckProximity(ev.Coordinates, target, cfg.GPSRadiusMeters)
		switch {
		case !prox.Checked:
			pass(ValidationGPSDistance, 1, map[string]any{"skipped": true})
		case !prox.Passed && prox.Distance == nil:
			return fail(ValidationGPSDistance, ErrLocationOutOfRange, map[string]any{"reason": "coordinates required"})
		case !prox.Passed:
			return fail(ValidationGPSDistance,
				fmt.Errorf("%w: %.0fm from venue, radius %.0fm", ErrLocationOutOfRange, *prox.Distance, cfg.GPSRadiusMeters),
				map[string]any{"distance_meters": *prox.Distance, "radius_meters": cfg.GPSRadiusMeters})
		default:
			pass(ValidationGPSDistance, prox.Confidence, map[string]any{
				"distance_meters": *prox.Distance,
				"radius_meters":   cfg.GPSRadiusMeters,
			})
		}
	}

	// Gate 7: evidence completeness.
	var missing []string
	if event.RequiresSelfie && !ev.HasSelfie {
		missing = append(missing, "selfie")
	}
	if event.RequiresSignature && !ev.HasSignature {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fail(ValidationImage, ErrMissingEvidence, map[string]any{"missing": missing})
	}
	pass(ValidationImage, 1, nil)

	status := StatusPresent
	if verify.IsLate(now, event.StartsAt) {
		status = StatusLate
	}
	arrival := now
	if ev.ArrivalTime != nil {
		arrival = *ev.ArrivalTime
	}

	rec := Record{
		ID:           ids.New(),
		EventID:      event.ID,
		CampusID:     event.CampusID,
		ActorID:      actor.ID,
		Status:       status,
		Method:       method,
		CrossCampus:  actor.HomeCampusID != event.CampusID,
		Coordinates:  ev.Coordinates,
		HasSelfie:    ev.HasSelfie,
		HasSignature: ev.HasSignature,
		Score:        computeScore(results),
		MarkedAt:     now,
		ArrivalTime:  arrival,
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
	}

	rec, err = s.store.InsertRecord(ctx, rec, results)
	if errors.Is(err, ErrAlreadyMarked) {
		// Lost the race: the constraint fired under a concurrent duplicate.
		// Same outcome as the pre-check, indistinguishable to callers. The
		// pre-check's passed row flips to failed so the trail holds one
		// duplicate verdict, not two contradictory ones.
		for i := range results {
			if results[i].Type == ValidationDuplicate {
				results[i] = ValidationResult{Type: ValidationDuplicate, Status: ValidationFailed}
			}
		}
		return Record{}, s.reject(ctx, actor, event, ev, ErrAlreadyMarked, results, now)
	}
	if err != nil {
		return Record{}, err
	}

	entry := audit.Entry{
		RecordID:  rec.ID,
		CampusID:  rec.CampusID,
		Action:    audit.ActionMarked,
		ActorID:   &actor.ID,
		IPAddress: ev.IPAddress,
		Details: map[string]any{
			"event_id":     rec.EventID,
			"method":       rec.Method,
			"status":       rec.Status,
			"score":        rec.Score,
			"cross_campus": rec.CrossCampus,
		},
		OccurredAt: now,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		// The record is committed but the trail is missing: flag the narrow
		// inconsistency window for reconciliation and fail the call.
		obs.ReconciliationFlagged()
		obs.ObserveSubmission(Kind(ErrAuditWrite))
		return Record{}, fmt.Errorf("%w: record %s committed without trail: %v", ErrAuditWrite, rec.ID, err)
	}

	obs.ObserveSubmission("accepted")
	obs.ObserveScore(rec.Score)
	s.publish(rec.EventID, rec.CampusID, actor.ID, "accepted", rec.Score, now)
	return rec, nil
}

// reject audit-logs a failed verification decision and returns the cause.
// Audit failure compounds: the caller still sees the gate failure, joined
// with ErrAuditWrite.
func (s *Service) reject(ctx context.Context, actor access.Actor, event Event, ev Evidence, cause error, results []ValidationResult, now time.Time) error {
	kind := Kind(cause)
	obs.ObserveSubmission(kind)
	s.publish(event.ID, event.CampusID, actor.ID, kind, 0, now)

	entry := audit.Entry{
		CampusID:  event.CampusID,
		Action:    audit.ActionRejected,
		ActorID:   &actor.ID,
		IPAddress: ev.IPAddress,
		Details: map[string]any{
			"event_id":    event.ID,
			"reason":      kind,
			"validations": summarize(results),
		},
		OccurredAt: now,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		obs.ReconciliationFlagged()
		return errors.Join(cause, fmt.Errorf("%w: %v", ErrAuditWrite, err))
	}
	return cause
}

func (s *Service) publish(eventID, campusID, actorID, outcome string, score float64, now time.Time) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(stream.Decision{
		EventID:   eventID,
		CampusID:  campusID,
		ActorID:   actorID,
		Outcome:   outcome,
		Score:     score,
		Timestamp: now,
	})
}

func summarize(results []ValidationResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		item := map[string]any{"type": r.Type, "status": r.Status}
		if r.Status == ValidationPassed {
			item["confidence"] = r.Confidence
		}
		if len(r.Details) > 0 {
			item["details"] = r.Details
		}
		out = append(out, item)
	}
	return out
}

// Override force-creates or force-updates a record, bypassing every gate
// except duplicate prevention, which is absolute. The justification note is
// mandatory and lands in the audit trail.
func (s *Service) Override(ctx context.Context, admin access.Actor, eventID, targetActorID string, newStatus Status, note string) (Record, error) {
	if !admin.Role.Privileged() {
		return Record{}, fmt.Errorf("%w: role %s cannot override attendance", access.ErrAccessDenied, admin.Role)
	}
	if !newStatus.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return Record{}, ErrNoteRequired
	}
	targetActorID = strings.TrimSpace(targetActorID)
	if targetActorID == "" {
		return Record{}, fmt.Errorf("%w: target actor is required", ErrInvalidEvent)
	}

	event, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return Record{}, err
	}
	if err := s.resolver.Authorize(ctx, admin, event.CampusID); err != nil {
		return Record{}, err
	}

	now := s.now()
	entry := audit.Entry{
		CampusID: event.CampusID,
		Action:   audit.ActionOverride,
		ActorID:  &admin.ID,
		Details: map[string]any{
			"event_id":     event.ID,
			"target_actor": targetActorID,
			"new_status":   newStatus,
			"note":         note,
		},
		OccurredAt: now,
	}

	existing, err := s.store.GetRecord(ctx, eventID, targetActorID)
	switch {
	case err == nil:
		entry.RecordID = existing.ID
		rec, err := s.store.OverrideStatus(ctx, existing.ID, newStatus, admin.ID, entry)
		if err != nil {
			return Record{}, err
		}
		obs.ObserveSubmission("admin_override")
		return rec, nil
	case errors.Is(err, ErrRecordNotFound):
		rec := Record{
			ID:          ids.New(),
			EventID:     event.ID,
			CampusID:    event.CampusID,
			ActorID:     targetActorID,
			Status:      newStatus,
			Method:      MethodAdminOverride,
			MarkedAt:    now,
			ArrivalTime: now,
			MarkedBy:    &admin.ID,
		}
		entry.RecordID = rec.ID
		rec, err := s.store.InsertOverride(ctx, rec, entry)
		if err != nil {
			return Record{}, err
		}
		obs.ObserveSubmission("admin_override")
		return rec, nil
	default:
		return Record{}, err
	}
}

// CreateEvent persists a new event: the attendance window is derived once
// from the campus configuration and the initial QR token is issued as part
// of first persistence.
func (s *Service) CreateEvent(ctx context.Context, actor access.Actor, draft Event) (Event, error) {
	if actor.Role != access.RoleOrganizer && !actor.Role.Privileged() {
		return Event{}, fmt.Errorf("%w: role %s cannot create events", access.ErrAccessDenied, actor.Role)
	}
	if strings.TrimSpace(draft.Title) == "" {
		return Event{}, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if draft.StartsAt.IsZero() || draft.EndsAt.IsZero() || !draft.EndsAt.After(draft.StartsAt) {
		return Event{}, fmt.Errorf("%w: end must follow start", ErrInvalidEvent)
	}
	if draft.CampusID == "" {
		draft.CampusID = actor.HomeCampusID
	}
	if err := s.resolver.Authorize(ctx, actor, draft.CampusID); err != nil {
		return Event{}, err
	}

	cfg, err := s.campuses.FindConfig(ctx, draft.CampusID)
	if err != nil {
		return Event{}, fmt.Errorf("campus config for %s: %w", draft.CampusID, err)
	}
	if draft.MultiCampus && !cfg.MultiCampusEventsEnabled {
		return Event{}, ErrMultiCampusDisabled
	}

	now := s.now()
	windowStart := draft.StartsAt.Add(-cfg.AttendanceWindow)
	windowEnd := draft.EndsAt.Add(cfg.AttendanceWindow)
	draft.ID = ids.New()
	if draft.OrganizerID == "" {
		draft.OrganizerID = actor.ID
	}
	draft.WindowStart = &windowStart
	draft.WindowEnd = &windowEnd
	draft.CreatedAt = now

	payload, err := s.tokens.Sign(draft.ID, now, cfg.QRCodeExpiry)
	if err != nil {
		return Event{}, err
	}
	draft.QRCodeData = payload
	draft.QRIssuedAt = &now

	event, err := s.store.SaveEvent(ctx, draft)
	if err != nil {
		return Event{}, err
	}
	if s.cache != nil {
		s.cache.SetEventToken(ctx, event.ID, payload, cfg.QRCodeExpiry)
	}
	return event, nil
}

// IssueEventToken returns the event's QR payload. Issuance is idempotent:
// the payload minted at first persistence is returned until an explicit
// regeneration.
func (s *Service) IssueEventToken(ctx context.Context, actor access.Actor, eventID string) (string, error) {
	event, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	// Authorization must not depend on cache state: the cache is consulted
	// only after the campus check.
	if err := s.resolver.Authorize(ctx, actor, event.CampusID); err != nil {
		return "", err
	}
	if s.cache != nil {
		if payload, ok := s.cache.GetEventToken(ctx, event.ID); ok {
			return payload, nil
		}
	}
	cfg, err := s.campuses.FindConfig(ctx, event.CampusID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if event.QRCodeData != "" {
		if s.cache != nil {
			if ttl := remainingTokenTTL(event, cfg, now); ttl > 0 {
				s.cache.SetEventToken(ctx, event.ID, event.QRCodeData, ttl)
			}
		}
		return event.QRCodeData, nil
	}

	// Events created outside the engine may not carry a payload yet.
	payload, err := s.tokens.Sign(event.ID, now, cfg.QRCodeExpiry)
	if err != nil {
		return "", err
	}
	if err := s.store.SetEventToken(ctx, event.ID, payload, now); err != nil {
		return "", err
	}
	if s.cache != nil {
		s.cache.SetEventToken(ctx, event.ID, payload, cfg.QRCodeExpiry)
	}
	return payload, nil
}

// remainingTokenTTL bounds a cache entry by the token's actual remaining
// lifetime. A fresh full-expiry TTL would let the cache serve a payload the
// verifier already rejects as expired.
func remainingTokenTTL(event Event, cfg campus.Config, now time.Time) time.Duration {
	if event.QRIssuedAt == nil {
		return cfg.QRCodeExpiry
	}
	return cfg.QRCodeExpiry - now.Sub(*event.QRIssuedAt)
}

// RegenerateEventToken replaces the event's QR payload. Administrative
// action; the old payload stops matching immediately and the regeneration
// is audit-logged.
func (s *Service) RegenerateEventToken(ctx context.Context, admin access.Actor, eventID string) (string, error) {
	if !admin.Role.Privileged() {
		return "", fmt.Errorf("%w: role %s cannot regenerate tokens", access.ErrAccessDenied, admin.Role)
	}
	event, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if err := s.resolver.Authorize(ctx, admin, event.CampusID); err != nil {
		return "", err
	}
	cfg, err := s.campuses.FindConfig(ctx, event.CampusID)
	if err != nil {
		return "", err
	}

	now := s.now()
	payload, err := s.tokens.Sign(event.ID, now, cfg.QRCodeExpiry)
	if err != nil {
		return "", err
	}
	if err := s.store.SetEventToken(ctx, event.ID, payload, now); err != nil {
		return "", err
	}
	entry := audit.Entry{
		CampusID:   event.CampusID,
		Action:     audit.ActionQRRegenerated,
		ActorID:    &admin.ID,
		Details:    map[string]any{"event_id": event.ID},
		OccurredAt: now,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		obs.ReconciliationFlagged()
		return "", fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	if s.cache != nil {
		s.cache.SetEventToken(ctx, event.ID, payload, cfg.QRCodeExpiry)
	}
	return payload, nil
}

// ValidateToken checks a scanned payload and returns the bound event id.
func (s *Service) ValidateToken(ctx context.Context, payload string) (string, error) {
	eventID, err := s.tokens.Verify(payload, s.now())
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// AccessScope returns the campus visibility of a request; every read
// surface outside the engine, the live feed included, filters with this.
func (s *Service) AccessScope(ctx context.Context, actor access.Actor, requestedOverride string) (access.Scope, error) {
	return s.resolver.ScopeFor(ctx, actor, requestedOverride)
}

// ListRecords returns the records visible in the actor's resolved scope.
func (s *Service) ListRecords(ctx context.Context, actor access.Actor, requestedOverride, eventID string, limit, offset int) ([]Record, error) {
	scope, err := s.resolver.ScopeFor(ctx, actor, requestedOverride)
	if err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, scope, eventID, limit, offset)
}

// EventStats returns the present-count aggregate for one event. This is the
// one read where a super admin's all-campus scope is honored.
func (s *Service) EventStats(ctx context.Context, actor access.Actor, requestedOverride, eventID string) (Stats, error) {
	event, err := s.store.FindEvent(ctx, eventID)
	if err != nil {
		return Stats{}, err
	}
	scope, err := s.resolver.ScopeFor(ctx, actor, requestedOverride)
	if err != nil {
		return Stats{}, err
	}
	if !scope.Contains(event.CampusID) {
		return Stats{}, fmt.Errorf("%w: campus %s", access.ErrAccessDenied, event.CampusID)
	}
	present, err := s.store.CountPresent(ctx, event.ID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{EventID: event.ID, PresentCount: present, MaxParticipants: event.MaxParticipants}
	if event.MaxParticipants != nil && *event.MaxParticipants > 0 {
		pct := float64(present) / float64(*event.MaxParticipants) * 100
		stats.CapacityPercent = &pct
	}
	return stats, nil
}
