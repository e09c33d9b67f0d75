// Package analytics computes read-only rollups over the run registry
// and the notification tables, and exposes them as Prometheus metrics.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/dispatch"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/registry"
	"github.com/marcus-qen/preflightd/internal/scheduler"
	"github.com/marcus-qen/preflightd/internal/storage"
)

// Trend bucket granularities.
const (
	BucketDay  = "day"
	BucketHour = "hour"
)

// RunStats summarises the registry over a window.
type RunStats struct {
	WindowDays       int            `json:"window_days"`
	TotalRecords     int            `json:"total_records"`
	ByFinalStatus    map[string]int `json:"by_final_status"`
	BySource         map[string]int `json:"by_source"`
	BlockedCount     int            `json:"blocked_count"`
	FailRate         float64        `json:"fail_rate"`
	UnifiedUsageRate float64        `json:"unified_usage_rate"`
}

// TrendPoint is one time bucket of run outcomes.
type TrendPoint struct {
	Bucket   string         `json:"bucket"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Blocked  int            `json:"blocked"`
}

// RuleCount is one failing rule with its accumulated count.
type RuleCount struct {
	RuleID    string `json:"rule_id"`
	FailCount int    `json:"fail_count"`
}

// DeliveryStats summarises the notification pipeline.
type DeliveryStats struct {
	OutboxByStatus      map[string]int `json:"outbox_by_status"`
	OldestPendingAgeSec float64        `json:"oldest_pending_age_seconds"`
	ReplayCount         int            `json:"replay_count"`
}

// Service computes rollups. All reads; no state.
type Service struct {
	db      *storage.DB
	reg     *registry.Store
	gateway *artifacts.Gateway
	outbox  *outbox.Store
	ledger  *dispatch.Ledger
	leases  *scheduler.LeaseStore
}

// NewService wires the analytics reads.
func NewService(db *storage.DB, reg *registry.Store, gw *artifacts.Gateway, ob *outbox.Store, ledger *dispatch.Ledger, leases *scheduler.LeaseStore) *Service {
	return &Service{db: db, reg: reg, gateway: gw, outbox: ob, ledger: ledger, leases: leases}
}

// RunStats aggregates registry records over the trailing window.
func (s *Service) RunStats(windowDays int, now time.Time) (*RunStats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	from := now.AddDate(0, 0, -windowDays)

	rows, err := s.db.Query(`SELECT source_name, final_status, blocked, used_unified
		FROM preflight_run_registry WHERE created_at >= ?`,
		from.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("run stats query: %w", err)
	}
	defer rows.Close()

	stats := &RunStats{
		WindowDays:    windowDays,
		ByFinalStatus: make(map[string]int),
		BySource:      make(map[string]int),
	}
	failCount, unifiedCount := 0, 0
	for rows.Next() {
		var source, status string
		var blocked, usedUnified int
		if err := rows.Scan(&source, &status, &blocked, &usedUnified); err != nil {
			return nil, err
		}
		stats.TotalRecords++
		stats.ByFinalStatus[status]++
		stats.BySource[source]++
		if blocked != 0 {
			stats.BlockedCount++
		}
		if usedUnified != 0 {
			unifiedCount++
		}
		if status == registry.StatusFail {
			failCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalRecords > 0 {
		stats.FailRate = float64(failCount) / float64(stats.TotalRecords)
		stats.UnifiedUsageRate = float64(unifiedCount) / float64(stats.TotalRecords)
	}
	return stats, nil
}

// Trends buckets run outcomes by day or hour over the trailing window,
// oldest bucket first. Buckets derive from the stored RFC 3339
// timestamps, so a prefix of the text column is the bucket key.
func (s *Service) Trends(bucket string, windowDays int, now time.Time) ([]TrendPoint, error) {
	if bucket != BucketDay && bucket != BucketHour {
		return nil, fmt.Errorf("unsupported trend bucket %q", bucket)
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	from := now.AddDate(0, 0, -windowDays)

	prefixLen := len("2006-01-02")
	if bucket == BucketHour {
		prefixLen = len("2006-01-02T15")
	}

	rows, err := s.db.Query(`SELECT created_at, final_status, blocked
		FROM preflight_run_registry WHERE created_at >= ? ORDER BY created_at ASC`,
		from.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("trend query: %w", err)
	}
	defer rows.Close()

	points := make([]TrendPoint, 0)
	index := make(map[string]int)
	for rows.Next() {
		var createdAt, status string
		var blocked int
		if err := rows.Scan(&createdAt, &status, &blocked); err != nil {
			return nil, err
		}
		key := createdAt
		if len(key) > prefixLen {
			key = key[:prefixLen]
		}
		i, ok := index[key]
		if !ok {
			i = len(points)
			index[key] = i
			points = append(points, TrendPoint{Bucket: key, ByStatus: make(map[string]int)})
		}
		points[i].Total++
		points[i].ByStatus[status]++
		if blocked != 0 {
			points[i].Blocked++
		}
	}
	return points, rows.Err()
}

// TopRules returns the most frequently failing semantic rules over the
// trailing window, descending by count.
func (s *Service) TopRules(limit, windowDays int, now time.Time) ([]RuleCount, error) {
	if limit <= 0 {
		limit = 10
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	from := now.AddDate(0, 0, -windowDays)

	records, err := s.reg.InWindow(from, now, "")
	if err != nil {
		return nil, err
	}
	counts := s.gateway.RuleFailures(records)

	out := make([]RuleCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, RuleCount{RuleID: id, FailCount: n})
	}
	sortRuleCounts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NotificationTrends buckets outbox items by day or hour over the
// trailing window, split by status.
func (s *Service) NotificationTrends(bucket string, windowDays int, now time.Time) ([]TrendPoint, error) {
	if bucket != BucketDay && bucket != BucketHour {
		return nil, fmt.Errorf("unsupported trend bucket %q", bucket)
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	from := now.AddDate(0, 0, -windowDays)

	prefixLen := len("2006-01-02")
	if bucket == BucketHour {
		prefixLen = len("2006-01-02T15")
	}

	rows, err := s.db.Query(`SELECT created_at, status FROM preflight_notification_outbox
		WHERE created_at >= ? ORDER BY created_at ASC`,
		from.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("notification trend query: %w", err)
	}
	defer rows.Close()

	points := make([]TrendPoint, 0)
	index := make(map[string]int)
	for rows.Next() {
		var createdAt, status string
		if err := rows.Scan(&createdAt, &status); err != nil {
			return nil, err
		}
		key := createdAt
		if len(key) > prefixLen {
			key = key[:prefixLen]
		}
		i, ok := index[key]
		if !ok {
			i = len(points)
			index[key] = i
			points = append(points, TrendPoint{Bucket: key, ByStatus: make(map[string]int)})
		}
		points[i].Total++
		points[i].ByStatus[status]++
	}
	return points, rows.Err()
}

// DeliveryStats summarises the notification pipeline for dashboards.
func (s *Service) DeliveryStats(now time.Time) (*DeliveryStats, error) {
	byStatus, err := s.outbox.CountByStatus()
	if err != nil {
		return nil, err
	}
	age, err := s.outbox.OldestPendingAge(now)
	if err != nil {
		return nil, err
	}
	replays, err := s.outbox.ReplayCount()
	if err != nil {
		return nil, err
	}
	return &DeliveryStats{
		OutboxByStatus:      byStatus,
		OldestPendingAgeSec: age.Seconds(),
		ReplayCount:         replays,
	}, nil
}

// sortRuleCounts orders by count descending, then rule id for
// determinism.
func sortRuleCounts(rules []RuleCount) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].FailCount != rules[j].FailCount {
			return rules[i].FailCount > rules[j].FailCount
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}
