// Package outbox persists notification delivery jobs. Rows are appended
// by the alert engine on state transitions and drained by the
// dispatcher; status transitions are guarded so a row can never move out
// of a terminal state except via replay cloning.
package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/storage"
)

// Outbox item statuses.
const (
	StatusPending  = "PENDING"
	StatusRetrying = "RETRYING"
	StatusSent     = "SENT"
	StatusDead     = "DEAD"
	StatusFailed   = "FAILED"
)

// Item is one scheduled delivery of one transition to one channel.
type Item struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	DeliveryID     string         `json:"delivery_id"`
	ReplayedFromID string         `json:"replayed_from_id,omitempty"`
	EventType      string         `json:"event_type"`
	AlertID        string         `json:"alert_id"`
	PolicyID       string         `json:"policy_id"`
	Severity       string         `json:"severity,omitempty"`
	SourceName     string         `json:"source_name,omitempty"`
	Payload        map[string]any `json:"payload_json"`
	ChannelType    string         `json:"channel_type"`
	ChannelTarget  string         `json:"channel_target"`
	Status         string         `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LastError      string         `json:"last_error,omitempty"`
	LastHTTPStatus *int           `json:"last_http_status,omitempty"`
	LastErrorCode  string         `json:"last_error_code,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
}

// Store persists outbox items in the shared database.
type Store struct {
	db *storage.DB
}

// NewStore creates the outbox table if needed and returns the store.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS preflight_notification_outbox (
		id               TEXT PRIMARY KEY,
		event_id         TEXT NOT NULL,
		delivery_id      TEXT NOT NULL,
		replayed_from_id TEXT NOT NULL DEFAULT '',
		event_type       TEXT NOT NULL,
		alert_id         TEXT NOT NULL,
		policy_id        TEXT NOT NULL,
		severity         TEXT NOT NULL DEFAULT '',
		source_name      TEXT NOT NULL DEFAULT '',
		payload_json     TEXT NOT NULL DEFAULT '{}',
		channel_type     TEXT NOT NULL,
		channel_target   TEXT NOT NULL,
		status           TEXT NOT NULL,
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 1,
		next_retry_at    TEXT NOT NULL,
		last_error       TEXT NOT NULL DEFAULT '',
		last_http_status INTEGER,
		last_error_code  TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		sent_at          TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create preflight_notification_outbox: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_due ON preflight_notification_outbox(status, next_retry_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_event ON preflight_notification_outbox(event_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_alert ON preflight_notification_outbox(alert_id)`)

	return &Store{db: db}, nil
}

// Enqueue inserts a PENDING item due immediately.
func (s *Store) Enqueue(item Item) (*Item, error) {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = clockid.NewID()
	}
	if item.DeliveryID == "" {
		item.DeliveryID = clockid.NewHexID()
	}
	if item.EventID == "" {
		return nil, faults.Payloadf("event_id is required")
	}
	if item.EventType != "ALERT_FIRING" && item.EventType != "ALERT_RESOLVED" {
		return nil, faults.Payloadf("invalid event_type %q", item.EventType)
	}
	if item.ChannelTarget == "" {
		return nil, faults.Payloadf("channel_target is required")
	}
	if item.ChannelType == "" {
		item.ChannelType = "webhook"
	}
	if item.MaxAttempts < 1 {
		item.MaxAttempts = 1
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	item.Status = StatusPending
	item.AttemptCount = 0
	item.UpdatedAt = now

	payloadJSON, err := storage.CanonicalJSON(item.Payload)
	if err != nil {
		return nil, faults.Payloadf("invalid payload_json: %v", err)
	}

	_, err = s.db.Exec(`INSERT INTO preflight_notification_outbox (
			id, event_id, delivery_id, replayed_from_id, event_type, alert_id, policy_id,
			severity, source_name, payload_json, channel_type, channel_target, status,
			attempt_count, max_attempts, next_retry_at, last_error, last_http_status,
			last_error_code, created_at, updated_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.EventID, item.DeliveryID, item.ReplayedFromID, item.EventType,
		item.AlertID, item.PolicyID, item.Severity, item.SourceName, payloadJSON,
		item.ChannelType, item.ChannelTarget, item.Status, item.AttemptCount,
		item.MaxAttempts, item.NextRetryAt.UTC().Format(time.RFC3339Nano), "",
		nil, "", item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.UpdatedAt.UTC().Format(time.RFC3339Nano), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox item: %w", err)
	}
	return &item, nil
}

// ListDue returns up to limit items in PENDING or RETRYING whose retry
// time has arrived, oldest retry first.
func (s *Store) ListDue(limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(selectColumns+` FROM preflight_notification_outbox
		WHERE status IN (?, ?) AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, created_at ASC
		LIMIT ?`,
		StatusPending, StatusRetrying, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("list due outbox items: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Get loads one item by id.
func (s *Store) Get(id string) (*Item, error) {
	row := s.db.QueryRow(selectColumns+` FROM preflight_notification_outbox WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("outbox item %s not found", id)
	}
	return item, err
}

// List returns recent items, optionally filtered by status.
func (s *Store) List(status string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + ` FROM preflight_notification_outbox`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox items: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListByStatuses returns item ids in any of the given statuses.
func (s *Store) ListByStatuses(statuses []string, limit int) ([]Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	query := selectColumns + ` FROM preflight_notification_outbox WHERE status IN (`
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, st)
	}
	query += `) ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox items by status: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// MarkSent transitions an in-flight item to SENT.
func (s *Store) MarkSent(id string, httpStatus int, now time.Time) error {
	res, err := s.db.Exec(`UPDATE preflight_notification_outbox
		SET status = ?, sent_at = ?, last_http_status = ?, last_error = '', last_error_code = '', updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusSent, now.UTC().Format(time.RFC3339Nano), httpStatus,
		now.UTC().Format(time.RFC3339Nano), id, StatusPending, StatusRetrying)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return requireTransition(res, id)
}

// MarkRetry schedules the next attempt. next must be strictly after the
// current retry time; attempt_count is incremented and bounded by
// max_attempts.
func (s *Store) MarkRetry(id string, next time.Time, httpStatus *int, errCode, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE preflight_notification_outbox
		SET status = ?, attempt_count = attempt_count + 1, next_retry_at = ?,
		    last_http_status = ?, last_error_code = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND attempt_count < max_attempts AND next_retry_at < ?`,
		StatusRetrying, next.UTC().Format(time.RFC3339Nano), httpStatus, errCode, errMsg,
		now.UTC().Format(time.RFC3339Nano), id, StatusPending, StatusRetrying,
		next.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return requireTransition(res, id)
}

// MarkDead terminates an in-flight item; the attempt count is
// incremented when countAttempt is set (a physical send preceded the
// terminal classification).
func (s *Store) MarkDead(id string, countAttempt bool, httpStatus *int, errCode, errMsg string, now time.Time) error {
	return s.terminate(id, StatusDead, countAttempt, httpStatus, errCode, errMsg, now)
}

// MarkFailed terminates an in-flight item as FAILED (non-retryable
// caller-side failure, e.g. an orphaned attempt promoted by the reaper).
func (s *Store) MarkFailed(id string, countAttempt bool, httpStatus *int, errCode, errMsg string, now time.Time) error {
	return s.terminate(id, StatusFailed, countAttempt, httpStatus, errCode, errMsg, now)
}

func (s *Store) terminate(id, status string, countAttempt bool, httpStatus *int, errCode, errMsg string, now time.Time) error {
	bump := 0
	if countAttempt {
		bump = 1
	}
	res, err := s.db.Exec(`UPDATE preflight_notification_outbox
		SET status = ?, attempt_count = attempt_count + ?,
		    last_http_status = ?, last_error_code = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, bump, httpStatus, errCode, errMsg,
		now.UTC().Format(time.RFC3339Nano), id, StatusPending, StatusRetrying)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return requireTransition(res, id)
}

// Replay clones a finished item into a fresh PENDING row. The event_id
// is preserved; id and delivery_id rotate; the source row is untouched.
func (s *Store) Replay(id string, now time.Time) (*Item, error) {
	src, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	switch src.Status {
	case StatusDead, StatusFailed, StatusSent:
	default:
		return nil, faults.Payloadf("outbox item %s in status %s cannot be replayed", id, src.Status)
	}

	clone := *src
	clone.ID = clockid.NewID()
	clone.DeliveryID = clockid.NewHexID()
	clone.ReplayedFromID = src.ID
	clone.Status = StatusPending
	clone.AttemptCount = 0
	clone.LastError = ""
	clone.LastHTTPStatus = nil
	clone.LastErrorCode = ""
	clone.SentAt = nil
	clone.CreatedAt = now.UTC()
	clone.NextRetryAt = now.UTC()
	return s.Enqueue(clone)
}

// CountByStatus returns item counts grouped by status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM preflight_notification_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// OldestPendingAge returns the age of the oldest in-flight row, zero
// when the queue is drained.
func (s *Store) OldestPendingAge(now time.Time) (time.Duration, error) {
	var created string
	err := s.db.QueryRow(`SELECT created_at FROM preflight_notification_outbox
		WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		StatusPending, StatusRetrying).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("oldest pending age: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return 0, nil
	}
	age := now.UTC().Sub(ts)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// ReplayCount returns the number of rows produced by replays.
func (s *Store) ReplayCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM preflight_notification_outbox WHERE replayed_from_id != ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count replays: %w", err)
	}
	return n, nil
}

func requireTransition(res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return faults.Payloadf("outbox item %s not in a transitionable state", id)
	}
	return nil
}

const selectColumns = `SELECT id, event_id, delivery_id, replayed_from_id, event_type, alert_id, policy_id,
	severity, source_name, payload_json, channel_type, channel_target, status,
	attempt_count, max_attempts, next_retry_at, last_error, last_http_status,
	last_error_code, created_at, updated_at, sent_at`

func collect(rows *sql.Rows) ([]Item, error) {
	out := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(sc rowScanner) (*Item, error) {
	var (
		item                            Item
		payloadJSON                     string
		nextRetryAt, createdAt, updated string
		httpStatus                      sql.NullInt64
		sentAt                          sql.NullString
	)
	if err := sc.Scan(
		&item.ID, &item.EventID, &item.DeliveryID, &item.ReplayedFromID, &item.EventType,
		&item.AlertID, &item.PolicyID, &item.Severity, &item.SourceName, &payloadJSON,
		&item.ChannelType, &item.ChannelTarget, &item.Status, &item.AttemptCount,
		&item.MaxAttempts, &nextRetryAt, &item.LastError, &httpStatus,
		&item.LastErrorCode, &createdAt, &updated, &sentAt,
	); err != nil {
		return nil, err
	}

	item.Payload = storage.DecodeObject(payloadJSON)
	item.NextRetryAt, _ = time.Parse(time.RFC3339Nano, nextRetryAt)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		item.LastHTTPStatus = &v
	}
	if sentAt.Valid && sentAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, sentAt.String); err == nil {
			item.SentAt = &ts
		}
	}
	return &item, nil
}
