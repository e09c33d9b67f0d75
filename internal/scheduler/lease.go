// Package scheduler runs the background evaluation and dispatch loops.
// Each loop holds a named database lease so exactly one process instance
// drives it at a time.
package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/preflightd/internal/storage"
)

// Lease is one named lease row.
type Lease struct {
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseStore persists loop leases.
type LeaseStore struct {
	db *storage.DB
}

// NewLeaseStore creates the lease table if needed and returns the store.
func NewLeaseStore(db *storage.DB) (*LeaseStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS preflight_alert_scheduler_lease (
		name        TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create preflight_alert_scheduler_lease: %w", err)
	}
	return &LeaseStore{db: db}, nil
}

// Acquire takes or renews the named lease in one compare-and-swap
// statement. It succeeds when the lease is free, expired, or already
// held by owner. Returns whether owner now holds the lease.
func (s *LeaseStore) Acquire(name, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	var holder string
	err := s.db.QueryRow(`INSERT INTO preflight_alert_scheduler_lease (name, owner_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner_id    = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		WHERE preflight_alert_scheduler_lease.owner_id = excluded.owner_id
		   OR preflight_alert_scheduler_lease.expires_at <= excluded.acquired_at
		RETURNING owner_id`,
		name, ownerID,
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return holder == ownerID, nil
}

// Release drops the lease if owner still holds it. Best effort on
// shutdown; an unreleased lease simply expires.
func (s *LeaseStore) Release(name, ownerID string) error {
	_, err := s.db.Exec(`DELETE FROM preflight_alert_scheduler_lease
		WHERE name = ? AND owner_id = ?`, name, ownerID)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Get loads the named lease, nil when unheld.
func (s *LeaseStore) Get(name string) (*Lease, error) {
	var (
		l                   Lease
		acquiredAt, expires string
	)
	err := s.db.QueryRow(`SELECT name, owner_id, acquired_at, expires_at
		FROM preflight_alert_scheduler_lease WHERE name = ?`, name).
		Scan(&l.Name, &l.OwnerID, &acquiredAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", name, err)
	}
	l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
	l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &l, nil
}

// List returns every lease row.
func (s *LeaseStore) List() ([]Lease, error) {
	rows, err := s.db.Query(`SELECT name, owner_id, acquired_at, expires_at
		FROM preflight_alert_scheduler_lease ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		var (
			l                   Lease
			acquiredAt, expires string
		)
		if err := rows.Scan(&l.Name, &l.OwnerID, &acquiredAt, &expires); err != nil {
			return nil, err
		}
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		l.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
		out = append(out, l)
	}
	return out, rows.Err()
}
