// Package pg implements the durable Postgres repositories behind the
// engine: events, attendance records with their validation rows, the
// append-only audit log and the campus directory.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"campusgate.org/internal/access"
	"campusgate.org/internal/attendance"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/campus"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/verify"
)

const uniqueViolation = "23505"

// Store implements attendance.Store, campus.Directory and audit.Store over
// one Postgres pool.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}

// Healthy reports whether the pool can reach the server.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) SaveEvent(ctx context.Context, event attendance.Event) (attendance.Event, error) {
	allowed, err := encodeJSON(event.AllowedCampusIDs)
	if err != nil {
		return attendance.Event{}, fmt.Errorf("pg: encode allowed campuses: %w", err)
	}
	var lat, lon *float64
	if event.Coordinates != nil {
		lat, lon = &event.Coordinates.Latitude, &event.Coordinates.Longitude
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, campus_id, organizer_id, title, venue, starts_at, ends_at,
			latitude, longitude, multi_campus, allowed_campus_ids,
			max_participants, requires_selfie, requires_gps, requires_signature,
			qr_code_data, qr_issued_at, window_start, window_end, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		event.ID, event.CampusID, event.OrganizerID, event.Title, event.Venue,
		event.StartsAt, event.EndsAt, lat, lon, event.MultiCampus, allowed,
		event.MaxParticipants, event.RequiresSelfie, event.RequiresGPS, event.RequiresSignature,
		nullString(event.QRCodeData), event.QRIssuedAt, event.WindowStart, event.WindowEnd, event.CreatedAt,
	)
	if err != nil {
		return attendance.Event{}, fmt.Errorf("pg: insert event: %w", err)
	}
	return event, nil
}

func (s *Store) FindEvent(ctx context.Context, id string) (attendance.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, campus_id, organizer_id, title, venue, starts_at, ends_at,
			latitude, longitude, multi_campus, allowed_campus_ids,
			max_participants, requires_selfie, requires_gps, requires_signature,
			qr_code_data, qr_issued_at, window_start, window_end, created_at
		FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (attendance.Event, error) {
	var (
		e       attendance.Event
		venue   sql.NullString
		lat     sql.NullFloat64
		lon     sql.NullFloat64
		allowed []byte
		maxPart sql.NullInt64
		qrData  sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.CampusID, &e.OrganizerID, &e.Title, &venue, &e.StartsAt, &e.EndsAt,
		&lat, &lon, &e.MultiCampus, &allowed,
		&maxPart, &e.RequiresSelfie, &e.RequiresGPS, &e.RequiresSignature,
		&qrData, &e.QRIssuedAt, &e.WindowStart, &e.WindowEnd, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Event{}, attendance.ErrEventNotFound
	}
	if err != nil {
		return attendance.Event{}, fmt.Errorf("pg: scan event: %w", err)
	}
	e.Venue = venue.String
	if lat.Valid && lon.Valid {
		e.Coordinates = &verify.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &e.AllowedCampusIDs); err != nil {
			return attendance.Event{}, fmt.Errorf("pg: decode allowed campuses: %w", err)
		}
	}
	if maxPart.Valid {
		n := int(maxPart.Int64)
		e.MaxParticipants = &n
	}
	e.QRCodeData = qrData.String
	return e, nil
}

func (s *Store) SetEventToken(ctx context.Context, eventID, payload string, issuedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET qr_code_data = $1, qr_issued_at = $2 WHERE id = $3`,
		payload, issuedAt, eventID)
	if err != nil {
		return fmt.Errorf("pg: set event token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return attendance.ErrEventNotFound
	}
	return nil
}

func (s *Store) CountPresent(ctx context.Context, eventID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE event_id = $1 AND status IN ('present', 'late')`,
		eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pg: count present: %w", err)
	}
	return count, nil
}

func (s *Store) ExistsRecord(ctx context.Context, eventID, actorID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM attendance_records WHERE event_id = $1 AND actor_id = $2)`,
		eventID, actorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pg: exists record: %w", err)
	}
	return exists, nil
}

func (s *Store) InsertRecord(ctx context.Context, rec attendance.Record, results []attendance.ValidationResult) (attendance.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := insertRecordTx(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return attendance.Record{}, attendance.ErrAlreadyMarked
		}
		return attendance.Record{}, fmt.Errorf("pg: insert record: %w", err)
	}
	for _, r := range results {
		details, err := encodeJSON(r.Details)
		if err != nil {
			return attendance.Record{}, fmt.Errorf("pg: encode validation details: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_validations (id, record_id, validation_type, status, confidence, details, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			ids.New(), rec.ID, r.Type, r.Status, r.Confidence, details, rec.CreatedAt)
		if err != nil {
			return attendance.Record{}, fmt.Errorf("pg: insert validation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return attendance.Record{}, attendance.ErrAlreadyMarked
		}
		return attendance.Record{}, fmt.Errorf("pg: commit: %w", err)
	}
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecordTx(ctx context.Context, tx execer, rec attendance.Record) error {
	var lat, lon, acc *float64
	if rec.Coordinates != nil {
		lat, lon = &rec.Coordinates.Latitude, &rec.Coordinates.Longitude
		acc = rec.Coordinates.Accuracy
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (
			id, event_id, campus_id, actor_id, status, method, cross_campus,
			latitude, longitude, accuracy, has_selfie, has_signature, score,
			marked_at, arrival_time, ip_address, user_agent, marked_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		rec.ID, rec.EventID, rec.CampusID, rec.ActorID, rec.Status, rec.Method, rec.CrossCampus,
		lat, lon, acc, rec.HasSelfie, rec.HasSignature, rec.Score,
		rec.MarkedAt, rec.ArrivalTime, nullString(rec.IPAddress), nullString(rec.UserAgent), rec.MarkedBy, rec.CreatedAt)
	return err
}

const recordColumns = `id, event_id, campus_id, actor_id, status, method, cross_campus,
	latitude, longitude, accuracy, has_selfie, has_signature, score,
	marked_at, arrival_time, ip_address, user_agent, marked_by, created_at`

func scanRecord(row rowScanner) (attendance.Record, error) {
	var (
		rec      attendance.Record
		lat, lon sql.NullFloat64
		acc      sql.NullFloat64
		ip, ua   sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.EventID, &rec.CampusID, &rec.ActorID, &rec.Status, &rec.Method, &rec.CrossCampus,
		&lat, &lon, &acc, &rec.HasSelfie, &rec.HasSignature, &rec.Score,
		&rec.MarkedAt, &rec.ArrivalTime, &ip, &ua, &rec.MarkedBy, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrRecordNotFound
	}
	if err != nil {
		return attendance.Record{}, fmt.Errorf("pg: scan record: %w", err)
	}
	if lat.Valid && lon.Valid {
		rec.Coordinates = &verify.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
		if acc.Valid {
			rec.Coordinates.Accuracy = &acc.Float64
		}
	}
	rec.IPAddress = ip.String
	rec.UserAgent = ua.String
	return rec, nil
}

func (s *Store) GetRecord(ctx context.Context, eventID, actorID string) (attendance.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE event_id = $1 AND actor_id = $2`,
		eventID, actorID)
	return scanRecord(row)
}

func (s *Store) InsertOverride(ctx context.Context, rec attendance.Record, entry audit.Entry) (attendance.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := insertRecordTx(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return attendance.Record{}, attendance.ErrAlreadyMarked
		}
		return attendance.Record{}, fmt.Errorf("pg: insert override: %w", err)
	}
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return attendance.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return attendance.Record{}, attendance.ErrAlreadyMarked
		}
		return attendance.Record{}, fmt.Errorf("pg: commit: %w", err)
	}
	return rec, nil
}

func (s *Store) OverrideStatus(ctx context.Context, recordID string, status attendance.Status, markedBy string, entry audit.Entry) (attendance.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("pg: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE attendance_records SET status = $1, marked_by = $2 WHERE id = $3 RETURNING `+recordColumns,
		status, markedBy, recordID)
	rec, err := scanRecord(row)
	if err != nil {
		return attendance.Record{}, err
	}
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return attendance.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return attendance.Record{}, fmt.Errorf("pg: commit: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, scope access.Scope, eventID string, limit, offset int) ([]attendance.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if eventID != "" {
		where = append(where, "event_id = "+arg(eventID))
	}
	if !scope.All {
		placeholders := make([]string, 0, len(scope.CampusIDs))
		for _, id := range scope.CampusIDs {
			placeholders = append(placeholders, arg(id))
		}
		if len(placeholders) == 0 {
			return nil, nil
		}
		where = append(where, "campus_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY marked_at, id"
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: list records: %w", err)
	}
	defer rows.Close()

	var out []attendance.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg: list records: %w", err)
	}
	return out, nil
}

func appendAuditTx(ctx context.Context, tx execer, entry audit.Entry) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return fmt.Errorf("pg: encode audit details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, record_id, campus_id, action, actor_id, details, ip_address, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, nullString(entry.RecordID), nullString(entry.CampusID), entry.Action,
		entry.ActorID, details, nullString(entry.IPAddress), entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("pg: append audit: %w", err)
	}
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry audit.Entry) error {
	return appendAuditTx(ctx, s.db, entry)
}

// ListActive implements campus.Directory.
func (s *Store) ListActive(ctx context.Context) ([]campus.Campus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, active, latitude, longitude, timezone, created_at
		FROM campuses WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pg: list campuses: %w", err)
	}
	defer rows.Close()

	var out []campus.Campus
	for rows.Next() {
		c, err := scanCampus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg: list campuses: %w", err)
	}
	return out, nil
}

func (s *Store) Find(ctx context.Context, id string) (campus.Campus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, active, latitude, longitude, timezone, created_at
		FROM campuses WHERE id = $1`, id)
	return scanCampus(row)
}

func scanCampus(row rowScanner) (campus.Campus, error) {
	var (
		c        campus.Campus
		lat, lon sql.NullFloat64
		tz       sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Code, &c.Active, &lat, &lon, &tz, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return campus.Campus{}, campus.ErrNotFound
	}
	if err != nil {
		return campus.Campus{}, fmt.Errorf("pg: scan campus: %w", err)
	}
	if lat.Valid {
		c.Latitude = &lat.Float64
	}
	if lon.Valid {
		c.Longitude = &lon.Float64
	}
	c.Timezone = tz.String
	return c, nil
}

// FindConfig returns the campus verification settings. A campus without a
// settings row falls back to defaults; an unknown campus is an error.
func (s *Store) FindConfig(ctx context.Context, id string) (campus.Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, cc.multi_campus_events_enabled, cc.cross_campus_attendance_enabled,
			cc.qr_code_expiry_seconds, cc.attendance_window_seconds,
			cc.gps_validation_enabled, cc.gps_radius_meters
		FROM campuses c
		LEFT JOIN campus_configs cc ON cc.campus_id = c.id
		WHERE c.id = $1`, id)

	var (
		campusID     string
		multiCampus  sql.NullBool
		crossCampus  sql.NullBool
		qrExpirySec  sql.NullInt64
		windowSec    sql.NullInt64
		gpsEnabled   sql.NullBool
		radiusMeters sql.NullFloat64
	)
	err := row.Scan(&campusID, &multiCampus, &crossCampus, &qrExpirySec, &windowSec, &gpsEnabled, &radiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return campus.Config{}, campus.ErrNotFound
	}
	if err != nil {
		return campus.Config{}, fmt.Errorf("pg: scan campus config: %w", err)
	}
	if !qrExpirySec.Valid {
		return campus.DefaultConfig(campusID), nil
	}
	return campus.Config{
		CampusID:                     campusID,
		MultiCampusEventsEnabled:     multiCampus.Bool,
		CrossCampusAttendanceEnabled: crossCampus.Bool,
		QRCodeExpiry:                 time.Duration(qrExpirySec.Int64) * time.Second,
		AttendanceWindow:             time.Duration(windowSec.Int64) * time.Second,
		GPSValidationEnabled:         gpsEnabled.Bool,
		GPSRadiusMeters:              radiusMeters.Float64,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
