package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func record(runID, source, validation, semantic string, created time.Time) Record {
	return Record{
		RunID:            runID,
		SourceName:       source,
		CreatedAt:        created,
		Mode:             ModeEnforce,
		ValidationStatus: validation,
		SemanticStatus:   semantic,
	}
}

func TestDeriveFinal(t *testing.T) {
	tests := []struct {
		validation, semantic, want string
	}{
		{StatusPass, StatusPass, StatusPass},
		{StatusFail, StatusPass, StatusFail},
		{StatusPass, StatusFail, StatusFail},
		{StatusWarn, StatusPass, StatusWarn},
		{StatusFail, StatusWarn, StatusFail},
		{StatusSkipped, StatusSkipped, StatusSkipped},
		{StatusSkipped, StatusPass, StatusPass},
	}
	for _, tt := range tests {
		if got := DeriveFinal(tt.validation, tt.semantic); got != tt.want {
			t.Errorf("DeriveFinal(%s, %s) = %s, want %s", tt.validation, tt.semantic, got, tt.want)
		}
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	now := time.Now().UTC()

	rec := record("r1", "unknown", StatusPass, StatusPass, now)
	if err := rec.Validate(); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for bad source, got %v", err)
	}

	rec = record("r1", SourceTrain, "MAYBE", StatusPass, now)
	if err := rec.Validate(); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for bad status, got %v", err)
	}

	rec = record("", SourceTrain, StatusPass, StatusPass, now)
	if err := rec.Validate(); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for empty run id, got %v", err)
	}
}

func TestValidateBlockedInvariant(t *testing.T) {
	now := time.Now().UTC()

	rec := record("r1", SourceTrain, StatusFail, StatusPass, now)
	rec.Blocked = true
	rec.Mode = ModeReportOnly
	if err := rec.Validate(); !faults.IsPayload(err) {
		t.Fatalf("blocked outside enforce should fail, got %v", err)
	}

	rec = record("r1", SourceTrain, StatusPass, StatusPass, now)
	rec.Blocked = true
	if err := rec.Validate(); !faults.IsPayload(err) {
		t.Fatalf("blocked without FAIL final should fail, got %v", err)
	}

	rec = record("r1", SourceTrain, StatusFail, StatusPass, now)
	rec.Blocked = true
	if err := rec.Validate(); err != nil {
		t.Fatalf("valid blocked record rejected: %v", err)
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := record("r1", SourceTrain, StatusPass, StatusWarn, now)
	rec.Summary = map[string]any{"rows": float64(100)}
	rec.UsedUnified = true
	if err := store.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetRecord("r1", SourceTrain)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.FinalStatus != StatusWarn {
		t.Errorf("final status %s, want WARN", got.FinalStatus)
	}
	if !got.UsedUnified {
		t.Error("used_unified lost")
	}
	if got.Summary["rows"] != float64(100) {
		t.Errorf("summary lost: %v", got.Summary)
	}
}

func TestInsertUpsertsRepairsInPlace(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	rec := record("r1", SourceTrain, StatusFail, StatusPass, now)
	if err := store.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.ValidationStatus = StatusPass
	if err := store.Insert(rec); err != nil {
		t.Fatalf("repair: %v", err)
	}

	got, err := store.GetRecord("r1", SourceTrain)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FinalStatus != StatusPass {
		t.Errorf("repair not applied, final = %s", got.FinalStatus)
	}

	records, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("upsert duplicated row, got %d records", len(records))
	}
}

func TestGetRecordNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetRecord("missing", SourceTrain); !faults.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, rec := range []Record{
		record("r1", SourceTrain, StatusPass, StatusPass, base),
		record("r2", SourceTrain, StatusFail, StatusPass, base.Add(time.Hour)),
		record("r3", SourceStore, StatusPass, StatusPass, base.Add(2*time.Hour)),
	} {
		if err := store.Insert(rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	byStatus, err := store.Query(Filter{FinalStatus: StatusFail})
	if err != nil {
		t.Fatalf("query by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].RunID != "r2" {
		t.Fatalf("final_status filter wrong: %+v", byStatus)
	}

	bySource, err := store.Query(Filter{SourceName: SourceStore})
	if err != nil {
		t.Fatalf("query by source: %v", err)
	}
	if len(bySource) != 1 || bySource[0].RunID != "r3" {
		t.Fatalf("source filter wrong: %+v", bySource)
	}

	byDate, err := store.Query(Filter{DateFrom: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("query by date: %v", err)
	}
	if len(byDate) != 2 {
		t.Fatalf("date filter wrong, got %d records", len(byDate))
	}

	if _, err := store.Query(Filter{FinalStatus: "BOGUS"}); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for bad filter, got %v", err)
	}
}

func TestQueryOrdering(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := store.Insert(record(id, SourceTrain, StatusPass, StatusPass, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	desc, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if desc[0].RunID != "r3" {
		t.Errorf("expected newest first, got %s", desc[0].RunID)
	}

	asc, err := store.Query(Filter{Ascending: true})
	if err != nil {
		t.Fatalf("query asc: %v", err)
	}
	if asc[0].RunID != "r1" {
		t.Errorf("expected oldest first, got %s", asc[0].RunID)
	}
}

func TestGetRunAggregation(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	if err := store.Insert(record("r1", SourceTrain, StatusPass, StatusPass, now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	storeRec := record("r1", SourceStore, StatusFail, StatusPass, now.Add(time.Minute))
	storeRec.Blocked = true
	if err := store.Insert(storeRec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	run, err := store.GetRun("r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.FinalStatus != StatusFail {
		t.Errorf("run final = %s, want FAIL", run.FinalStatus)
	}
	if !run.Blocked {
		t.Error("run should inherit blocked")
	}
	if len(run.Records) != 2 {
		t.Fatalf("expected 2 member records, got %d", len(run.Records))
	}
	if run.Records[0].SourceName != SourceStore {
		t.Errorf("members not sorted by source: %s first", run.Records[0].SourceName)
	}
}

func TestGetRunAllSkipped(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()
	rec := record("r1", SourceTrain, StatusSkipped, StatusSkipped, now)
	rec.Mode = ModeOff
	if err := store.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	run, err := store.GetRun("r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.FinalStatus != StatusSkipped {
		t.Errorf("all-skipped run should be SKIPPED, got %s", run.FinalStatus)
	}
}

func TestGetLatest(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Insert(record("r1", SourceTrain, StatusPass, StatusPass, base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(record("r2", SourceTrain, StatusFail, StatusPass, base.Add(time.Hour))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	latest, err := store.GetLatest(SourceTrain, nil)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.RunID != "r2" {
		t.Errorf("latest = %s, want r2", latest.RunID)
	}

	if _, err := store.GetLatest(SourceStore, nil); !faults.IsNotFound(err) {
		t.Fatalf("expected not found for empty source, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := []string{"r1", "r2", "r3"}[i]
		created := base.Add(time.Duration(i) * time.Hour)
		if err := store.Insert(record(id, SourceTrain, StatusPass, StatusPass, created)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.Insert(record(id, SourceStore, StatusPass, StatusPass, created)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	runs, err := store.ListRuns(2, "", nil)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "r3" {
		t.Errorf("expected newest run first, got %s", runs[0].RunID)
	}
	if len(runs[0].Records) != 2 {
		t.Errorf("run members lost: %d", len(runs[0].Records))
	}
}

func TestInWindow(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := store.Insert(record(id, SourceTrain, StatusPass, StatusPass, base.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	recs, err := store.InWindow(base.Add(12*time.Hour), base.Add(3*24*time.Hour), SourceTrain)
	if err != nil {
		t.Fatalf("in window: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 in window, got %d", len(recs))
	}
	if recs[0].RunID != "r2" {
		t.Errorf("window should be ascending, got %s first", recs[0].RunID)
	}
}
