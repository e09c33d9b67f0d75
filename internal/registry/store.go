package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/storage"
)

// Store persists preflight records in the shared database.
type Store struct {
	db *storage.DB
}

// NewStore creates the registry table if needed and returns the store.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS preflight_run_registry (
		run_id                 TEXT NOT NULL,
		source_name            TEXT NOT NULL,
		created_at             TEXT NOT NULL,
		mode                   TEXT NOT NULL,
		validation_status      TEXT NOT NULL,
		semantic_status        TEXT NOT NULL,
		final_status           TEXT NOT NULL,
		used_input_path        TEXT NOT NULL DEFAULT '',
		used_unified           INTEGER NOT NULL DEFAULT 0,
		artifact_dir           TEXT NOT NULL DEFAULT '',
		validation_report_path TEXT NOT NULL DEFAULT '',
		manifest_path          TEXT NOT NULL DEFAULT '',
		summary_json           TEXT NOT NULL DEFAULT '{}',
		blocked                INTEGER NOT NULL DEFAULT 0,
		block_reason           TEXT NOT NULL DEFAULT '',
		data_source_id         INTEGER,
		contract_id            TEXT NOT NULL DEFAULT '',
		contract_version       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, source_name)
	)`); err != nil {
		return nil, fmt.Errorf("create preflight_run_registry: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preflight_registry_created_at ON preflight_run_registry(created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preflight_registry_source ON preflight_run_registry(source_name)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preflight_registry_final ON preflight_run_registry(final_status)`)

	return &Store{db: db}, nil
}

// Insert records one preflight result. The (run_id, source_name) upsert
// only repairs a previously written row in place.
func (s *Store) Insert(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.FinalStatus = DeriveFinal(rec.ValidationStatus, rec.SemanticStatus)

	summaryJSON, err := storage.CanonicalJSON(rec.Summary)
	if err != nil {
		return faults.Payloadf("invalid summary_json: %v", err)
	}

	_, err = s.db.Exec(`INSERT INTO preflight_run_registry (
			run_id, source_name, created_at, mode, validation_status, semantic_status, final_status,
			used_input_path, used_unified, artifact_dir, validation_report_path, manifest_path,
			summary_json, blocked, block_reason, data_source_id, contract_id, contract_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, source_name) DO UPDATE SET
			created_at = excluded.created_at,
			mode = excluded.mode,
			validation_status = excluded.validation_status,
			semantic_status = excluded.semantic_status,
			final_status = excluded.final_status,
			used_input_path = excluded.used_input_path,
			used_unified = excluded.used_unified,
			artifact_dir = excluded.artifact_dir,
			validation_report_path = excluded.validation_report_path,
			manifest_path = excluded.manifest_path,
			summary_json = excluded.summary_json,
			blocked = excluded.blocked,
			block_reason = excluded.block_reason,
			data_source_id = excluded.data_source_id,
			contract_id = excluded.contract_id,
			contract_version = excluded.contract_version`,
		rec.RunID,
		rec.SourceName,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.Mode,
		rec.ValidationStatus,
		rec.SemanticStatus,
		rec.FinalStatus,
		rec.UsedInputPath,
		boolInt(rec.UsedUnified),
		rec.ArtifactDir,
		rec.ValidationReportPath,
		rec.ManifestPath,
		summaryJSON,
		boolInt(rec.Blocked),
		rec.BlockReason,
		rec.DataSourceID,
		rec.ContractID,
		rec.ContractVersion,
	)
	if err != nil {
		return fmt.Errorf("insert preflight record: %w", err)
	}
	return nil
}

// Query returns records matching the filter, newest first unless
// Ascending is set.
func (s *Store) Query(f Filter) ([]Record, error) {
	query := selectColumns + ` FROM preflight_run_registry WHERE 1=1`
	var args []any

	if f.SourceName != "" {
		if !validSource(f.SourceName) {
			return nil, faults.Payloadf("invalid source_name %q", f.SourceName)
		}
		query += ` AND source_name = ?`
		args = append(args, f.SourceName)
	}
	if f.DataSourceID != nil {
		query += ` AND data_source_id = ?`
		args = append(args, *f.DataSourceID)
	}
	if f.Mode != "" {
		if !validMode(f.Mode) {
			return nil, faults.Payloadf("invalid mode %q", f.Mode)
		}
		query += ` AND mode = ?`
		args = append(args, f.Mode)
	}
	if f.FinalStatus != "" {
		if !validStatus(f.FinalStatus) {
			return nil, faults.Payloadf("invalid final_status %q", f.FinalStatus)
		}
		query += ` AND final_status = ?`
		args = append(args, f.FinalStatus)
	}
	if !f.DateFrom.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if !f.DateTo.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.DateTo.UTC().Format(time.RFC3339Nano))
	}

	if f.Ascending {
		query += ` ORDER BY created_at ASC, run_id ASC`
	} else {
		query += ` ORDER BY created_at DESC, run_id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query preflight records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// InWindow returns records with created_at in [from, to], optionally
// narrowed by source. Used by the alert engine's metric window.
func (s *Store) InWindow(from, to time.Time, sourceName string) ([]Record, error) {
	return s.Query(Filter{SourceName: sourceName, DateFrom: from, DateTo: to, Ascending: true})
}

// GetRun aggregates all of a run's member records.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(selectColumns+` FROM preflight_run_registry WHERE run_id = ? ORDER BY source_name ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, faults.NotFoundf("run %s not found", runID)
	}
	return aggregateRun(runID, records), nil
}

// GetRecord loads one (run_id, source_name) row.
func (s *Store) GetRecord(runID, sourceName string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+` FROM preflight_run_registry WHERE run_id = ? AND source_name = ?`, runID, sourceName)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("run %s source %s not found", runID, sourceName)
	}
	return rec, err
}

// GetLatest returns the newest record, optionally narrowed by source and
// data source id.
func (s *Store) GetLatest(sourceName string, dataSourceID *int64) (*Record, error) {
	recs, err := s.Query(Filter{SourceName: sourceName, DataSourceID: dataSourceID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, faults.NotFoundf("no preflight records")
	}
	return &recs[0], nil
}

// ListRuns returns up to limit aggregated runs, newest first.
func (s *Store) ListRuns(limit int, sourceName string, dataSourceID *int64) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	// Over-fetch records and aggregate; a run has at most one record per
	// source so 2x covers the worst case.
	recs, err := s.Query(Filter{SourceName: sourceName, DataSourceID: dataSourceID, Limit: limit * 2})
	if err != nil {
		return nil, err
	}

	byRun := make(map[string][]Record)
	order := make([]string, 0)
	for _, rec := range recs {
		if _, seen := byRun[rec.RunID]; !seen {
			order = append(order, rec.RunID)
		}
		byRun[rec.RunID] = append(byRun[rec.RunID], rec)
	}

	runs := make([]Run, 0, len(order))
	for _, runID := range order {
		if len(runs) >= limit {
			break
		}
		runs = append(runs, *aggregateRun(runID, byRun[runID]))
	}
	return runs, nil
}

func aggregateRun(runID string, records []Record) *Run {
	sort.Slice(records, func(i, j int) bool { return records[i].SourceName < records[j].SourceName })

	run := &Run{RunID: runID, FinalStatus: StatusSkipped, Records: records}
	allSkipped := true
	for _, rec := range records {
		if rec.CreatedAt.After(run.CreatedAt) {
			run.CreatedAt = rec.CreatedAt
		}
		if rec.Blocked {
			run.Blocked = true
		}
		if rec.FinalStatus != StatusSkipped {
			allSkipped = false
		}
		if statusRank(rec.FinalStatus) > statusRank(run.FinalStatus) {
			run.FinalStatus = rec.FinalStatus
		}
	}
	if allSkipped {
		run.FinalStatus = StatusSkipped
	}
	return run
}

const selectColumns = `SELECT run_id, source_name, created_at, mode, validation_status, semantic_status, final_status,
	used_input_path, used_unified, artifact_dir, validation_report_path, manifest_path,
	summary_json, blocked, block_reason, data_source_id, contract_id, contract_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (*Record, error) {
	var (
		rec                  Record
		createdAt            string
		usedUnified, blocked int
		summaryJSON          string
		dataSourceID         sql.NullInt64
	)
	if err := sc.Scan(
		&rec.RunID,
		&rec.SourceName,
		&createdAt,
		&rec.Mode,
		&rec.ValidationStatus,
		&rec.SemanticStatus,
		&rec.FinalStatus,
		&rec.UsedInputPath,
		&usedUnified,
		&rec.ArtifactDir,
		&rec.ValidationReportPath,
		&rec.ManifestPath,
		&summaryJSON,
		&blocked,
		&rec.BlockReason,
		&dataSourceID,
		&rec.ContractID,
		&rec.ContractVersion,
	); err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UsedUnified = usedUnified == 1
	rec.Blocked = blocked == 1
	rec.Summary = storage.DecodeObject(summaryJSON)
	if dataSourceID.Valid {
		v := dataSourceID.Int64
		rec.DataSourceID = &v
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
