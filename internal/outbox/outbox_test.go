package outbox

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

func item(eventID, channel string, created time.Time) Item {
	return Item{
		EventID:       eventID,
		EventType:     "ALERT_FIRING",
		AlertID:       "p1",
		PolicyID:      "p1",
		Severity:      "HIGH",
		ChannelType:   "webhook",
		ChannelTarget: channel,
		MaxAttempts:   3,
		CreatedAt:     created,
		NextRetryAt:   created,
	}
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	got, err := store.Enqueue(item("ev1", "ops", now))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got.ID == "" || got.DeliveryID == "" {
		t.Error("ids not defaulted")
	}
	if got.Status != StatusPending || got.AttemptCount != 0 {
		t.Errorf("fresh item in wrong state: %s/%d", got.Status, got.AttemptCount)
	}

	bad := item("", "ops", now)
	if _, err := store.Enqueue(bad); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for missing event id, got %v", err)
	}

	bad = item("ev2", "ops", now)
	bad.EventType = "ALERT_NOISE"
	if _, err := store.Enqueue(bad); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for bad event type, got %v", err)
	}

	bad = item("ev2", "", now)
	if _, err := store.Enqueue(bad); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for missing channel, got %v", err)
	}
}

func TestListDueOrdering(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	late := item("ev1", "ops", base)
	late.NextRetryAt = base.Add(time.Hour)
	if _, err := store.Enqueue(late); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	early := item("ev2", "ops", base)
	early.NextRetryAt = base
	if _, err := store.Enqueue(early); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	future := item("ev3", "ops", base)
	future.NextRetryAt = base.Add(24 * time.Hour)
	if _, err := store.Enqueue(future); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := store.ListDue(10, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].EventID != "ev2" {
		t.Errorf("expected oldest retry first, got %s", due[0].EventID)
	}
}

func TestMarkSent(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()
	it, err := store.Enqueue(item("ev1", "ops", now))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkSent(it.ID, 200, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, err := store.Get(it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSent || got.SentAt == nil {
		t.Errorf("sent state wrong: %+v", got)
	}
	if got.LastHTTPStatus == nil || *got.LastHTTPStatus != 200 {
		t.Errorf("http status lost: %v", got.LastHTTPStatus)
	}

	// Terminal rows cannot transition again.
	if err := store.MarkSent(it.ID, 200, now); !faults.IsPayload(err) {
		t.Fatalf("expected payload error re-sending terminal row, got %v", err)
	}
}

func TestMarkRetryBoundsAndMonotonicity(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	it, err := store.Enqueue(item("ev1", "ops", base))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status := 503
	if err := store.MarkRetry(it.ID, base.Add(30*time.Second), &status, "HTTP_ERROR", "503", base); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	got, _ := store.Get(it.ID)
	if got.Status != StatusRetrying || got.AttemptCount != 1 {
		t.Errorf("retry state wrong: %s/%d", got.Status, got.AttemptCount)
	}

	// next must be strictly after the current retry time.
	if err := store.MarkRetry(it.ID, base.Add(10*time.Second), &status, "HTTP_ERROR", "503", base); !faults.IsPayload(err) {
		t.Fatalf("expected payload error for non-advancing retry, got %v", err)
	}

	if err := store.MarkRetry(it.ID, base.Add(time.Minute), &status, "HTTP_ERROR", "503", base); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if err := store.MarkRetry(it.ID, base.Add(2*time.Minute), &status, "HTTP_ERROR", "503", base); err != nil {
		t.Fatalf("third retry: %v", err)
	}

	// attempt_count now equals max_attempts; further retries are refused.
	if err := store.MarkRetry(it.ID, base.Add(3*time.Minute), &status, "HTTP_ERROR", "503", base); !faults.IsPayload(err) {
		t.Fatalf("expected payload error past max attempts, got %v", err)
	}
}

func TestMarkDeadAndFailed(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	it, err := store.Enqueue(item("ev1", "ops", now))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	status := 404
	if err := store.MarkDead(it.ID, true, &status, "HTTP_ERROR", "not found", now); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	got, _ := store.Get(it.ID)
	if got.Status != StatusDead || got.AttemptCount != 1 {
		t.Errorf("dead state wrong: %s/%d", got.Status, got.AttemptCount)
	}
	if got.LastErrorCode != "HTTP_ERROR" {
		t.Errorf("error code lost: %s", got.LastErrorCode)
	}

	it2, err := store.Enqueue(item("ev2", "ops", now))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkFailed(it2.ID, false, nil, "ATTEMPT_ORPHANED", "orphaned", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got2, _ := store.Get(it2.ID)
	if got2.Status != StatusFailed || got2.AttemptCount != 0 {
		t.Errorf("failed state wrong: %s/%d", got2.Status, got2.AttemptCount)
	}
}

func TestReplay(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	it, err := store.Enqueue(item("ev1", "ops", now))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Pending items cannot be replayed.
	if _, err := store.Replay(it.ID, now); !faults.IsPayload(err) {
		t.Fatalf("expected payload error replaying pending item, got %v", err)
	}

	status := 500
	if err := store.MarkDead(it.ID, true, &status, "HTTP_ERROR", "boom", now); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	clone, err := store.Replay(it.ID, now)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if clone.ID == it.ID {
		t.Error("replay must mint a fresh id")
	}
	if clone.DeliveryID == it.DeliveryID {
		t.Error("replay must mint a fresh delivery id")
	}
	if clone.EventID != it.EventID {
		t.Error("replay must preserve the event id")
	}
	if clone.ReplayedFromID != it.ID {
		t.Errorf("replayed_from_id = %s, want %s", clone.ReplayedFromID, it.ID)
	}
	if clone.Status != StatusPending || clone.AttemptCount != 0 {
		t.Errorf("clone state wrong: %s/%d", clone.Status, clone.AttemptCount)
	}

	// Source row stays DEAD.
	src, _ := store.Get(it.ID)
	if src.Status != StatusDead {
		t.Errorf("source row mutated: %s", src.Status)
	}

	n, err := store.ReplayCount()
	if err != nil {
		t.Fatalf("replay count: %v", err)
	}
	if n != 1 {
		t.Errorf("replay count = %d, want 1", n)
	}
}

func TestCountByStatusAndOldestPending(t *testing.T) {
	store := testStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Enqueue(item("ev1", "ops", base)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	it, err := store.Enqueue(item("ev2", "ops", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkSent(it.ID, 200, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusSent] != 1 {
		t.Errorf("counts wrong: %v", counts)
	}

	age, err := store.OldestPendingAge(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("oldest pending: %v", err)
	}
	if age != time.Hour {
		t.Errorf("age = %v, want 1h", age)
	}
}
