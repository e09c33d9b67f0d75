package alerting

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/storage"
)

// Store persists alert state, transition history, silences,
// acknowledgements, and audit events.
type Store struct {
	db *storage.DB
}

// NewStore creates the alerting tables if needed and returns the store.
func NewStore(db *storage.DB) (*Store, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS preflight_alert_state (
			policy_id            TEXT PRIMARY KEY,
			status               TEXT NOT NULL,
			severity             TEXT NOT NULL,
			source_name          TEXT NOT NULL DEFAULT '',
			first_seen_at        TEXT NOT NULL,
			last_seen_at         TEXT NOT NULL,
			consecutive_breaches INTEGER NOT NULL DEFAULT 0,
			current_value        REAL NOT NULL DEFAULT 0,
			threshold            REAL NOT NULL DEFAULT 0,
			message              TEXT NOT NULL DEFAULT '',
			context_json         TEXT NOT NULL DEFAULT '{}',
			policy_json          TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS preflight_alert_history (
			id              TEXT PRIMARY KEY,
			policy_id       TEXT NOT NULL,
			status          TEXT NOT NULL,
			previous_status TEXT NOT NULL DEFAULT '',
			severity        TEXT NOT NULL,
			source_name     TEXT NOT NULL DEFAULT '',
			value           REAL NOT NULL DEFAULT 0,
			threshold       REAL NOT NULL DEFAULT 0,
			message         TEXT NOT NULL DEFAULT '',
			context_json    TEXT NOT NULL DEFAULT '{}',
			policy_json     TEXT NOT NULL DEFAULT '{}',
			transitioned_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS preflight_alert_silence (
			id          TEXT PRIMARY KEY,
			policy_id   TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			rule_id     TEXT NOT NULL DEFAULT '',
			starts_at   TEXT NOT NULL,
			ends_at     TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			expired_at  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS preflight_alert_acknowledgement (
			alert_id        TEXT PRIMARY KEY,
			acknowledged_by TEXT NOT NULL,
			acknowledged_at TEXT NOT NULL,
			note            TEXT NOT NULL DEFAULT '',
			cleared_at      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS preflight_alert_audit_event (
			id           TEXT PRIMARY KEY,
			alert_id     TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			actor        TEXT NOT NULL DEFAULT '',
			event_at     TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create alerting tables: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_history_policy ON preflight_alert_history(policy_id, transitioned_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_audit_alert ON preflight_alert_audit_event(alert_id, event_at)`)

	return &Store{db: db}, nil
}

// GetState loads the live state for a policy, nil when the alert is OK.
func (s *Store) GetState(policyID string) (*State, error) {
	row := s.db.QueryRow(`SELECT policy_id, status, severity, source_name, first_seen_at,
			last_seen_at, consecutive_breaches, current_value, threshold, message,
			context_json, policy_json
		FROM preflight_alert_state WHERE policy_id = ?`, policyID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// ListStates returns every live alert state ordered by policy id.
func (s *Store) ListStates() ([]State, error) {
	rows, err := s.db.Query(`SELECT policy_id, status, severity, source_name, first_seen_at,
			last_seen_at, consecutive_breaches, current_value, threshold, message,
			context_json, policy_json
		FROM preflight_alert_state ORDER BY policy_id`)
	if err != nil {
		return nil, fmt.Errorf("list alert states: %w", err)
	}
	defer rows.Close()

	out := make([]State, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// UpsertState writes the live state without recording a transition.
func (s *Store) UpsertState(st *State) error {
	contextJSON, policyJSON, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(upsertStateSQL, stateArgs(st, contextJSON, policyJSON)...)
	if err != nil {
		return fmt.Errorf("upsert alert state: %w", err)
	}
	return nil
}

// SaveTransition writes a history row and the matching state change in
// one transaction. A nil state deletes the live row (the alert
// resolved); the caller enqueues notifications only after this commits.
func (s *Store) SaveTransition(st *State, hist *HistoryEntry) error {
	if hist.ID == "" {
		hist.ID = clockid.NewID()
	}
	histContext, err := storage.CanonicalJSON(hist.Context)
	if err != nil {
		return faults.Payloadf("invalid history context: %v", err)
	}
	histPolicy, err := json.Marshal(hist.Policy)
	if err != nil {
		return faults.Payloadf("invalid history policy snapshot: %v", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO preflight_alert_history (
			id, policy_id, status, previous_status, severity, source_name, value,
			threshold, message, context_json, policy_json, transitioned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hist.ID, hist.PolicyID, hist.Status, hist.PreviousStatus, hist.Severity,
		hist.SourceName, hist.Value, hist.Threshold, hist.Message, histContext,
		string(histPolicy), hist.TransitionedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert alert history: %w", err)
	}

	if st == nil {
		if _, err := tx.Exec(`DELETE FROM preflight_alert_state WHERE policy_id = ?`, hist.PolicyID); err != nil {
			return fmt.Errorf("delete alert state: %w", err)
		}
	} else {
		contextJSON, policyJSON, err := encodeState(st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(upsertStateSQL, stateArgs(st, contextJSON, policyJSON)...); err != nil {
			return fmt.Errorf("upsert alert state: %w", err)
		}
	}

	return tx.Commit()
}

// ListHistory returns recent transitions, newest first, optionally
// scoped to one policy.
func (s *Store) ListHistory(policyID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, policy_id, status, previous_status, severity, source_name,
			value, threshold, message, context_json, policy_json, transitioned_at
		FROM preflight_alert_history`
	var args []any
	if policyID != "" {
		query += ` WHERE policy_id = ?`
		args = append(args, policyID)
	}
	query += ` ORDER BY transitioned_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			h                       HistoryEntry
			contextJSON, policyJSON string
			transitionedAt          string
		)
		if err := rows.Scan(&h.ID, &h.PolicyID, &h.Status, &h.PreviousStatus,
			&h.Severity, &h.SourceName, &h.Value, &h.Threshold, &h.Message,
			&contextJSON, &policyJSON, &transitionedAt); err != nil {
			return nil, err
		}
		h.Context = storage.DecodeObject(contextJSON)
		_ = json.Unmarshal([]byte(policyJSON), &h.Policy)
		h.TransitionedAt, _ = time.Parse(time.RFC3339Nano, transitionedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CreateSilence validates and persists a silence.
func (s *Store) CreateSilence(sil *Silence, now time.Time) (*Silence, error) {
	if sil.ID == "" {
		sil.ID = clockid.NewID()
	}
	if sil.EndsAt.IsZero() {
		return nil, faults.Payloadf("silence ends_at is required")
	}
	if sil.StartsAt.IsZero() {
		sil.StartsAt = now.UTC()
	}
	if !sil.EndsAt.After(sil.StartsAt) {
		return nil, faults.Payloadf("silence ends_at must be after starts_at")
	}
	if sil.CreatedAt.IsZero() {
		sil.CreatedAt = now.UTC()
	}

	_, err := s.db.Exec(`INSERT INTO preflight_alert_silence (
			id, policy_id, source_name, severity, rule_id, starts_at, ends_at,
			reason, created_by, created_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		sil.ID, sil.PolicyID, sil.SourceName, sil.Severity, sil.RuleID,
		sil.StartsAt.UTC().Format(time.RFC3339Nano), sil.EndsAt.UTC().Format(time.RFC3339Nano),
		sil.Reason, sil.CreatedBy, sil.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create silence: %w", err)
	}
	return sil, nil
}

// ExpireSilence marks one silence expired. Expiring an already expired
// silence is a no-op.
func (s *Store) ExpireSilence(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE preflight_alert_silence SET expired_at = ?
		WHERE id = ? AND expired_at IS NULL`,
		now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("expire silence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM preflight_alert_silence WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return faults.NotFoundf("silence %s not found", id)
		}
	}
	return nil
}

// ExpireElapsed lazily marks silences whose window passed. Returns the
// ids it expired.
func (s *Store) ExpireElapsed(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM preflight_alert_silence
		WHERE expired_at IS NULL AND ends_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("scan elapsed silences: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.ExpireSilence(id, now); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// ListSilences returns silences, newest first. Expired silences are
// included only when requested.
func (s *Store) ListSilences(includeExpired bool, limit int) ([]Silence, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, policy_id, source_name, severity, rule_id, starts_at,
			ends_at, reason, created_by, created_at, expired_at
		FROM preflight_alert_silence`
	if !includeExpired {
		query += ` WHERE expired_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list silences: %w", err)
	}
	defer rows.Close()

	out := make([]Silence, 0)
	for rows.Next() {
		var (
			sil                         Silence
			startsAt, endsAt, createdAt string
			expiredAt                   sql.NullString
		)
		if err := rows.Scan(&sil.ID, &sil.PolicyID, &sil.SourceName, &sil.Severity,
			&sil.RuleID, &startsAt, &endsAt, &sil.Reason, &sil.CreatedBy,
			&createdAt, &expiredAt); err != nil {
			return nil, err
		}
		sil.StartsAt, _ = time.Parse(time.RFC3339Nano, startsAt)
		sil.EndsAt, _ = time.Parse(time.RFC3339Nano, endsAt)
		sil.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if expiredAt.Valid && expiredAt.String != "" {
			if ts, err := time.Parse(time.RFC3339Nano, expiredAt.String); err == nil {
				sil.ExpiredAt = &ts
			}
		}
		out = append(out, sil)
	}
	return out, rows.Err()
}

// ActiveSilences returns silences currently in their window.
func (s *Store) ActiveSilences(now time.Time) ([]Silence, error) {
	all, err := s.ListSilences(false, 500)
	if err != nil {
		return nil, err
	}
	out := make([]Silence, 0, len(all))
	for _, sil := range all {
		if sil.ActiveAt(now) {
			out = append(out, sil)
		}
	}
	return out, nil
}

// Acknowledge records or refreshes an acknowledgement for an alert.
func (s *Store) Acknowledge(alertID, by, note string, now time.Time) (*Acknowledgement, error) {
	ack := &Acknowledgement{
		AlertID:        alertID,
		AcknowledgedBy: by,
		AcknowledgedAt: now.UTC(),
		Note:           note,
	}
	_, err := s.db.Exec(`INSERT INTO preflight_alert_acknowledgement (
			alert_id, acknowledged_by, acknowledged_at, note, cleared_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(alert_id) DO UPDATE SET
			acknowledged_by = excluded.acknowledged_by,
			acknowledged_at = excluded.acknowledged_at,
			note            = excluded.note,
			cleared_at      = NULL`,
		alertID, by, ack.AcknowledgedAt.Format(time.RFC3339Nano), note)
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	return ack, nil
}

// ClearAcknowledgement clears an active acknowledgement.
func (s *Store) ClearAcknowledgement(alertID string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE preflight_alert_acknowledgement SET cleared_at = ?
		WHERE alert_id = ? AND cleared_at IS NULL`,
		now.UTC().Format(time.RFC3339Nano), alertID)
	if err != nil {
		return fmt.Errorf("clear acknowledgement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFoundf("no active acknowledgement for alert %s", alertID)
	}
	return nil
}

// GetAcknowledgement loads the active acknowledgement, nil when unset.
func (s *Store) GetAcknowledgement(alertID string) (*Acknowledgement, error) {
	var (
		ack            Acknowledgement
		acknowledgedAt string
		clearedAt      sql.NullString
	)
	err := s.db.QueryRow(`SELECT alert_id, acknowledged_by, acknowledged_at, note, cleared_at
		FROM preflight_alert_acknowledgement WHERE alert_id = ? AND cleared_at IS NULL`,
		alertID).Scan(&ack.AlertID, &ack.AcknowledgedBy, &acknowledgedAt, &ack.Note, &clearedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get acknowledgement: %w", err)
	}
	ack.AcknowledgedAt, _ = time.Parse(time.RFC3339Nano, acknowledgedAt)
	return &ack, nil
}

// AppendAudit appends one audit event.
func (s *Store) AppendAudit(ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = clockid.NewID()
	}
	payloadJSON, err := storage.CanonicalJSON(ev.Payload)
	if err != nil {
		return faults.Payloadf("invalid audit payload: %v", err)
	}
	_, err = s.db.Exec(`INSERT INTO preflight_alert_audit_event (
			id, alert_id, event_type, actor, event_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AlertID, ev.EventType, ev.Actor,
		ev.EventAt.UTC().Format(time.RFC3339Nano), payloadJSON)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events newest first, optionally scoped to one
// alert or one event type.
func (s *Store) ListAudit(alertID, eventType string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, alert_id, event_type, actor, event_at, payload_json
		FROM preflight_alert_audit_event`
	var (
		clauses []string
		args    []any
	)
	if alertID != "" {
		clauses = append(clauses, `alert_id = ?`)
		args = append(args, alertID)
	}
	if eventType != "" {
		clauses = append(clauses, `event_type = ?`)
		args = append(args, eventType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY event_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			ev          AuditEvent
			eventAt     string
			payloadJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.AlertID, &ev.EventType, &ev.Actor, &eventAt, &payloadJSON); err != nil {
			return nil, err
		}
		ev.EventAt, _ = time.Parse(time.RFC3339Nano, eventAt)
		ev.Payload = storage.DecodeObject(payloadJSON)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeAudit deletes audit events older than the cutoff and returns the
// number removed.
func (s *Store) PurgeAudit(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM preflight_alert_audit_event WHERE event_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const upsertStateSQL = `INSERT INTO preflight_alert_state (
		policy_id, status, severity, source_name, first_seen_at, last_seen_at,
		consecutive_breaches, current_value, threshold, message, context_json, policy_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(policy_id) DO UPDATE SET
		status               = excluded.status,
		severity             = excluded.severity,
		source_name          = excluded.source_name,
		first_seen_at        = excluded.first_seen_at,
		last_seen_at         = excluded.last_seen_at,
		consecutive_breaches = excluded.consecutive_breaches,
		current_value        = excluded.current_value,
		threshold            = excluded.threshold,
		message              = excluded.message,
		context_json         = excluded.context_json,
		policy_json          = excluded.policy_json`

func encodeState(st *State) (contextJSON, policyJSON string, err error) {
	contextJSON, err = storage.CanonicalJSON(st.Context)
	if err != nil {
		return "", "", faults.Payloadf("invalid alert context: %v", err)
	}
	raw, err := json.Marshal(st.Policy)
	if err != nil {
		return "", "", faults.Payloadf("invalid policy snapshot: %v", err)
	}
	return contextJSON, string(raw), nil
}

func stateArgs(st *State, contextJSON, policyJSON string) []any {
	return []any{
		st.PolicyID, st.Status, st.Severity, st.SourceName,
		st.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		st.LastSeenAt.UTC().Format(time.RFC3339Nano),
		st.ConsecutiveBreaches, st.CurrentValue, st.Threshold, st.Message,
		contextJSON, policyJSON,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(sc rowScanner) (*State, error) {
	var (
		st                      State
		firstSeen, lastSeen     string
		contextJSON, policyJSON string
	)
	if err := sc.Scan(&st.PolicyID, &st.Status, &st.Severity, &st.SourceName,
		&firstSeen, &lastSeen, &st.ConsecutiveBreaches, &st.CurrentValue,
		&st.Threshold, &st.Message, &contextJSON, &policyJSON); err != nil {
		return nil, err
	}
	st.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
	st.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen)
	st.Context = storage.DecodeObject(contextJSON)
	_ = json.Unmarshal([]byte(policyJSON), &st.Policy)
	return &st, nil
}
