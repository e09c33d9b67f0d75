// Package dispatch drains the notification outbox, delivers webhook
// payloads, and keeps a per-attempt delivery ledger.
package dispatch

import (
	"fmt"
	"time"

	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/storage"
)

// Delivery attempt statuses. STARTED is transient; a crash mid-send
// leaves a STARTED row for the reaper.
const (
	AttemptStarted = "STARTED"
	AttemptSent    = "SENT"
	AttemptRetry   = "RETRY"
	AttemptDead    = "DEAD"
	AttemptFailed  = "FAILED"
)

// Delivery error codes recorded on failed attempts.
const (
	ErrCodeChannelUnavailable   = "CHANNEL_UNAVAILABLE"
	ErrCodeChannelTargetMissing = "CHANNEL_TARGET_MISSING"
	ErrCodeHTTPError            = "HTTP_ERROR"
	ErrCodeNetworkError         = "NETWORK_ERROR"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeUnexpected           = "UNEXPECTED_ERROR"
	ErrCodeAttemptOrphaned      = "ATTEMPT_ORPHANED"
)

// Attempt is one physical or logical delivery attempt for an outbox row.
type Attempt struct {
	ID               string     `json:"id"`
	OutboxItemID     string     `json:"outbox_item_id"`
	DeliveryID       string     `json:"delivery_id"`
	EventID          string     `json:"event_id"`
	ChannelID        string     `json:"channel_id"`
	AttemptNumber    int        `json:"attempt_number"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DurationMS       int64      `json:"duration_ms"`
	HTTPStatus       *int       `json:"http_status,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessageSafe string     `json:"error_message_safe,omitempty"`
}

// Ledger persists delivery attempts.
type Ledger struct {
	db *storage.DB
}

// NewLedger creates the attempt table if needed and returns the ledger.
func NewLedger(db *storage.DB) (*Ledger, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS preflight_notification_delivery_attempt (
		id                 TEXT PRIMARY KEY,
		outbox_item_id     TEXT NOT NULL,
		delivery_id        TEXT NOT NULL,
		event_id           TEXT NOT NULL,
		channel_id         TEXT NOT NULL,
		attempt_number     INTEGER NOT NULL,
		status             TEXT NOT NULL,
		started_at         TEXT NOT NULL,
		finished_at        TEXT,
		duration_ms        INTEGER NOT NULL DEFAULT 0,
		http_status        INTEGER,
		error_code         TEXT NOT NULL DEFAULT '',
		error_message_safe TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return nil, fmt.Errorf("create preflight_notification_delivery_attempt: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempt_item ON preflight_notification_delivery_attempt(outbox_item_id, attempt_number)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempt_status ON preflight_notification_delivery_attempt(status, started_at)`)

	return &Ledger{db: db}, nil
}

// Start records a STARTED attempt row before the send goes out. The row
// survives a crash mid-send and is later promoted by the reaper.
func (l *Ledger) Start(outboxItemID, deliveryID, eventID, channelID string, attemptNumber int, now time.Time) (string, error) {
	id := clockid.NewID()
	_, err := l.db.Exec(`INSERT INTO preflight_notification_delivery_attempt (
			id, outbox_item_id, delivery_id, event_id, channel_id, attempt_number,
			status, started_at, finished_at, duration_ms, http_status, error_code, error_message_safe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, NULL, '', '')`,
		id, outboxItemID, deliveryID, eventID, channelID, attemptNumber,
		AttemptStarted, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("start delivery attempt: %w", err)
	}
	return id, nil
}

// Finish records the attempt outcome.
func (l *Ledger) Finish(id, status string, httpStatus *int, errCode, errMsgSafe string, durationMS int64, now time.Time) error {
	_, err := l.db.Exec(`UPDATE preflight_notification_delivery_attempt
		SET status = ?, finished_at = ?, duration_ms = ?, http_status = ?,
		    error_code = ?, error_message_safe = ?
		WHERE id = ? AND status = ?`,
		status, now.UTC().Format(time.RFC3339Nano), durationMS, httpStatus,
		errCode, errMsgSafe, id, AttemptStarted)
	if err != nil {
		return fmt.Errorf("finish delivery attempt: %w", err)
	}
	return nil
}

// NextAttemptNumber returns 1 + the highest attempt recorded for the
// outbox item.
func (l *Ledger) NextAttemptNumber(outboxItemID string) (int, error) {
	var max int
	err := l.db.QueryRow(`SELECT COALESCE(MAX(attempt_number), 0)
		FROM preflight_notification_delivery_attempt WHERE outbox_item_id = ?`,
		outboxItemID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return max + 1, nil
}

// ListForItem returns the attempts for one outbox item in order.
func (l *Ledger) ListForItem(outboxItemID string) ([]Attempt, error) {
	rows, err := l.db.Query(`SELECT id, outbox_item_id, delivery_id, event_id, channel_id,
			attempt_number, status, started_at, finished_at, duration_ms, http_status,
			error_code, error_message_safe
		FROM preflight_notification_delivery_attempt
		WHERE outbox_item_id = ? ORDER BY attempt_number`, outboxItemID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListRecent returns the newest attempts across all items.
func (l *Ledger) ListRecent(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(`SELECT id, outbox_item_id, delivery_id, event_id, channel_id,
			attempt_number, status, started_at, finished_at, duration_ms, http_status,
			error_code, error_message_safe
		FROM preflight_notification_delivery_attempt
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// Orphans returns STARTED attempts that began before the cutoff. A
// STARTED row that old means the dispatcher died mid-send.
func (l *Ledger) Orphans(cutoff time.Time) ([]Attempt, error) {
	rows, err := l.db.Query(`SELECT id, outbox_item_id, delivery_id, event_id, channel_id,
			attempt_number, status, started_at, finished_at, duration_ms, http_status,
			error_code, error_message_safe
		FROM preflight_notification_delivery_attempt
		WHERE status = ? AND started_at < ?`,
		AttemptStarted, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list orphaned attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// CountByChannelEventStatus returns attempt counts keyed by channel,
// event type, and outcome for the analytics rollup. Event type comes
// from a join against the outbox.
func (l *Ledger) CountByChannelEventStatus() (map[[3]string]int, error) {
	rows, err := l.db.Query(`SELECT a.channel_id, o.event_type, a.status, COUNT(*)
		FROM preflight_notification_delivery_attempt a
		JOIN preflight_notification_outbox o ON o.id = a.outbox_item_id
		GROUP BY a.channel_id, o.event_type, a.status`)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[[3]string]int)
	for rows.Next() {
		var channel, eventType, status string
		var n int
		if err := rows.Scan(&channel, &eventType, &status, &n); err != nil {
			return nil, err
		}
		out[[3]string{channel, eventType, status}] = n
	}
	return out, rows.Err()
}

// Durations returns the duration of every finished attempt, for the
// latency histogram.
func (l *Ledger) Durations() ([]int64, error) {
	rows, err := l.db.Query(`SELECT duration_ms FROM preflight_notification_delivery_attempt
		WHERE finished_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list attempt durations: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func collectAttempts(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Attempt, error) {
	out := make([]Attempt, 0)
	for rows.Next() {
		var (
			a          Attempt
			startedAt  string
			finishedAt *string
			httpStatus *int64
		)
		if err := rows.Scan(&a.ID, &a.OutboxItemID, &a.DeliveryID, &a.EventID,
			&a.ChannelID, &a.AttemptNumber, &a.Status, &startedAt, &finishedAt,
			&a.DurationMS, &httpStatus, &a.ErrorCode, &a.ErrorMessageSafe); err != nil {
			return nil, err
		}
		a.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt != nil && *finishedAt != "" {
			if ts, err := time.Parse(time.RFC3339Nano, *finishedAt); err == nil {
				a.FinishedAt = &ts
			}
		}
		if httpStatus != nil {
			v := int(*httpStatus)
			a.HTTPStatus = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
