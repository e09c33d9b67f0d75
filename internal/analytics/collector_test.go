package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/dispatch"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/registry"
	"github.com/marcus-qen/preflightd/internal/scheduler"
	"github.com/marcus-qen/preflightd/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newCollectorFixture(t *testing.T, now time.Time) (*prometheus.Registry, *fixture, *scheduler.LeaseStore) {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.NewStore(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	alertStore, err := alerting.NewStore(db)
	if err != nil {
		t.Fatalf("new alert store: %v", err)
	}
	ob, err := outbox.NewStore(db)
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	ledger, err := dispatch.NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	leases, err := scheduler.NewLeaseStore(db)
	if err != nil {
		t.Fatalf("new lease store: %v", err)
	}
	gw := artifacts.NewGateway(reg, t.TempDir(), 64, nil)
	service := NewService(db, reg, gw, ob, ledger, leases)

	promReg := prometheus.NewPedanticRegistry()
	if _, err := NewCollector(service, alertStore, clockid.Fixed(now), nil, promReg); err != nil {
		t.Fatalf("new collector: %v", err)
	}
	f := &fixture{service: service, reg: reg, outbox: ob, ledger: ledger, leases: leases}
	return promReg, f, leases
}

func gatherFamilies(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestCollectorExposesRollups(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	promReg, f, leases := newCollectorFixture(t, now)

	f.insertRun(t, "r1", registry.SourceTrain, registry.StatusPass, true, now.Add(-time.Hour))
	f.insertRun(t, "r2", registry.SourceTrain, registry.StatusFail, false, now.Add(-time.Hour))
	if held, _ := leases.Acquire("preflight:alerts", "owner", time.Hour, now); !held {
		t.Fatal("acquire failed")
	}

	families := gatherFamilies(t, promReg)

	runs, ok := families["preflight_runs_total"]
	if !ok {
		t.Fatal("preflight_runs_total missing")
	}
	var total float64
	for _, m := range runs.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total != 2 {
		t.Errorf("runs total = %v, want 2", total)
	}

	blocked, ok := families["preflight_runs_blocked_total"]
	if !ok {
		t.Fatal("preflight_runs_blocked_total missing")
	}
	if blocked.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("blocked = %v, want 1", blocked.GetMetric()[0].GetCounter().GetValue())
	}

	lease, ok := families["preflight_scheduler_lease_held"]
	if !ok {
		t.Fatal("preflight_scheduler_lease_held missing")
	}
	if lease.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("lease held = %v, want 1", lease.GetMetric()[0].GetGauge().GetValue())
	}

	expires, ok := families["preflight_scheduler_lease_expires_at_seconds"]
	if !ok {
		t.Fatal("preflight_scheduler_lease_expires_at_seconds missing")
	}
	if got := expires.GetMetric()[0].GetGauge().GetValue(); got != float64(now.Add(time.Hour).Unix()) {
		t.Errorf("lease expires_at = %v, want %v", got, float64(now.Add(time.Hour).Unix()))
	}
	acquired, ok := families["preflight_scheduler_lease_acquired_at_seconds"]
	if !ok {
		t.Fatal("preflight_scheduler_lease_acquired_at_seconds missing")
	}
	if got := acquired.GetMetric()[0].GetGauge().GetValue(); got != float64(now.Unix()) {
		t.Errorf("lease acquired_at = %v, want %v", got, float64(now.Unix()))
	}

	if _, ok := families["preflight_metrics_render_errors_total"]; !ok {
		t.Error("render error counter not registered")
	}
}

func TestCollectorLatencyHistogram(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	promReg, f, _ := newCollectorFixture(t, now)

	it, err := f.outbox.Enqueue(outbox.Item{
		EventID:       "ev1",
		EventType:     "ALERT_FIRING",
		AlertID:       "p1",
		PolicyID:      "p1",
		Severity:      "HIGH",
		ChannelType:   "webhook",
		ChannelTarget: "ops",
		MaxAttempts:   3,
		CreatedAt:     now,
		NextRetryAt:   now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	status := 200
	id, err := f.ledger.Start(it.ID, it.DeliveryID, it.EventID, "ops", 1, now)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ledger.Finish(id, dispatch.AttemptSent, &status, "", "", 120, now); err != nil {
		t.Fatalf("finish: %v", err)
	}

	families := gatherFamilies(t, promReg)
	hist, ok := families["preflight_notifications_delivery_latency_ms"]
	if !ok {
		t.Fatal("latency histogram missing")
	}
	h := hist.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 120 {
		t.Errorf("histogram count/sum = %d/%v, want 1/120", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestCollectorAttemptCounterNamesAndLabels(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	promReg, f, _ := newCollectorFixture(t, now)

	it, err := f.outbox.Enqueue(outbox.Item{
		EventID:       "ev1",
		EventType:     "ALERT_FIRING",
		AlertID:       "p1",
		PolicyID:      "p1",
		Severity:      "HIGH",
		ChannelType:   "webhook",
		ChannelTarget: "channel_a",
		MaxAttempts:   3,
		CreatedAt:     now,
		NextRetryAt:   now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	retry := 503
	id, err := f.ledger.Start(it.ID, it.DeliveryID, it.EventID, "channel_a", 1, now)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ledger.Finish(id, dispatch.AttemptRetry, &retry, "HTTP_ERROR", "unexpected status 503", 80, now); err != nil {
		t.Fatalf("finish retry: %v", err)
	}
	sent := 200
	id, err = f.ledger.Start(it.ID, it.DeliveryID, it.EventID, "channel_a", 2, now)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ledger.Finish(id, dispatch.AttemptSent, &sent, "", "", 40, now); err != nil {
		t.Fatalf("finish sent: %v", err)
	}

	families := gatherFamilies(t, promReg)
	attempts, ok := families["preflight_notifications_attempts_total"]
	if !ok {
		t.Fatal("preflight_notifications_attempts_total missing")
	}
	byStatus := make(map[string]float64)
	for _, m := range attempts.GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["channel_target"] != "channel_a" || labels["event_type"] != "ALERT_FIRING" {
			t.Fatalf("labels wrong: %v", labels)
		}
		byStatus[labels["attempt_status"]] = m.GetCounter().GetValue()
	}
	if byStatus["RETRY"] != 1 || byStatus["SENT"] != 1 {
		t.Errorf("attempt counts = %v, want RETRY=1 SENT=1", byStatus)
	}

	hist, ok := families["preflight_notifications_delivery_latency_ms"]
	if !ok {
		t.Fatal("preflight_notifications_delivery_latency_ms missing")
	}
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("histogram count = %d, want the number of finished attempts", got)
	}
}
