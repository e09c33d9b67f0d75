package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/policy"
	"github.com/marcus-qen/preflightd/internal/shared/signing"
	"github.com/marcus-qen/preflightd/internal/storage"
)

type stubSource struct {
	channels []policy.Channel
}

func (s *stubSource) Policies() ([]policy.AlertPolicy, error) { return nil, nil }
func (s *stubSource) Channels() ([]policy.Channel, error) { return s.channels, nil }

type fakeSend struct {
	url     string
	body    []byte
	headers map[string]string
}

// fakeSender returns a scripted sequence of results, one per call.
type fakeSender struct {
	statuses []int
	errs     []error
	calls    []fakeSend
}

func (s *fakeSender) Send(_ context.Context, url string, body []byte, headers map[string]string) (int, error) {
	n := len(s.calls)
	s.calls = append(s.calls, fakeSend{url: url, body: body, headers: headers})
	var status int
	var err error
	if n < len(s.statuses) {
		status = s.statuses[n]
	}
	if n < len(s.errs) {
		err = s.errs[n]
	}
	return status, err
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	outbox     *outbox.Store
	ledger     *Ledger
	sender     *fakeSender
	source     *stubSource
	clock      clockid.Clock
	now        time.Time
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(db)
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	ledger, err := NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{}
	source := &stubSource{channels: []policy.Channel{{
		ID:             "ops",
		Type:           policy.ChannelTypeWebhook,
		Enabled:        true,
		TargetURL:      "https://hooks.example.com/preflight",
		TimeoutSeconds: 10,
		MaxAttempts:    3,
		BackoffSeconds: 30,
	}}}
	clock := clockid.Fixed(now)

	f := &dispatchFixture{
		outbox: ob,
		ledger: ledger,
		sender: sender,
		source: source,
		clock:  clock,
		now:    now,
	}
	f.dispatcher = NewDispatcher(ob, ledger, source, sender, clock, nil)
	return f
}

func (f *dispatchFixture) enqueue(t *testing.T, eventID, channel string) *outbox.Item {
	t.Helper()
	it, err := f.outbox.Enqueue(outbox.Item{
		EventID:       eventID,
		EventType:     policy.EventAlertFiring,
		AlertID:       "p1",
		PolicyID:      "p1",
		Severity:      "HIGH",
		ChannelType:   "webhook",
		ChannelTarget: channel,
		MaxAttempts:   3,
		CreatedAt:     f.now,
		NextRetryAt:   f.now,
		Payload: map[string]any{
			"alert":   map[string]any{"alert_id": "p1"},
			"context": map[string]any{"source_name": "train"},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return it
}

func TestTickDeliversSuccess(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")
	f.sender.statuses = []int{200}

	n, err := f.dispatcher.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if len(f.sender.calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.calls))
	}
	call := f.sender.calls[0]
	if call.url != "https://hooks.example.com/preflight" {
		t.Errorf("wrong url: %s", call.url)
	}
	if call.headers[HeaderEventID] != "ev1" || call.headers[HeaderDeliveryID] != it.DeliveryID {
		t.Errorf("identity headers wrong: %v", call.headers)
	}
	if _, ok := call.headers[HeaderSignature]; ok {
		t.Error("unsigned channel must not carry a signature header")
	}

	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusSent {
		t.Errorf("item status = %s, want SENT", got.Status)
	}

	attempts, err := f.ledger.ListForItem(it.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != AttemptSent {
		t.Fatalf("attempt trail wrong: %+v", attempts)
	}
	if attempts[0].HTTPStatus == nil || *attempts[0].HTTPStatus != 200 {
		t.Errorf("attempt http status lost: %v", attempts[0].HTTPStatus)
	}
}

func TestTickSignsWhenSecretSet(t *testing.T) {
	f := newDispatchFixture(t)
	f.source.channels[0].SigningSecretEnv = "PREFLIGHT_TEST_SECRET"
	t.Setenv("PREFLIGHT_TEST_SECRET", "topsecret")
	f.enqueue(t, "ev1", "ops")
	f.sender.statuses = []int{200}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	headers := f.sender.calls[0].headers
	sig := headers[HeaderSignature]
	if sig == "" {
		t.Fatal("expected signature header")
	}
	ts := headers[HeaderTimestamp]
	if err := signing.Verify([]byte("topsecret"), ts, f.sender.calls[0].body, sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestTickRetriesOn503WithDoublingBackoff(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")
	f.sender.statuses = []int{503, 503}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusRetrying || got.AttemptCount != 1 {
		t.Fatalf("after first 503: %s/%d", got.Status, got.AttemptCount)
	}
	first := got.NextRetryAt
	if want := f.now.Add(30 * time.Second); !first.Equal(want) {
		t.Errorf("first backoff = %v, want %v", first.Sub(f.now), 30*time.Second)
	}

	// Advance past the first retry window and tick again.
	f.clock = clockid.Fixed(f.now.Add(time.Minute))
	f.dispatcher = NewDispatcher(f.outbox, f.ledger, f.source, f.sender, f.clock, nil)
	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ = f.outbox.Get(it.ID)
	if got.AttemptCount != 2 {
		t.Fatalf("after second 503: %s/%d", got.Status, got.AttemptCount)
	}
	if want := f.now.Add(time.Minute).Add(60 * time.Second); !got.NextRetryAt.Equal(want) {
		t.Errorf("second backoff = %v, want 60s", got.NextRetryAt.Sub(f.now.Add(time.Minute)))
	}
}

func TestTickPermanent404GoesDead(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")
	f.sender.statuses = []int{404}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusDead || got.AttemptCount != 1 {
		t.Fatalf("404 should be permanent: %s/%d", got.Status, got.AttemptCount)
	}
	if got.LastErrorCode != ErrCodeHTTPError {
		t.Errorf("error code = %s", got.LastErrorCode)
	}

	attempts, _ := f.ledger.ListForItem(it.ID)
	if len(attempts) != 1 || attempts[0].Status != AttemptDead {
		t.Fatalf("attempt trail wrong: %+v", attempts)
	}
}

func TestTickNetworkErrorRetries(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")
	f.sender.errs = []error{errors.New("connection refused")}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusRetrying {
		t.Fatalf("network error should retry: %s", got.Status)
	}
	if got.LastErrorCode != ErrCodeNetworkError {
		t.Errorf("error code = %s", got.LastErrorCode)
	}
}

func TestTickExhaustsAtMaxAttempts(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")
	f.sender.statuses = []int{503, 503, 503}

	for i := 0; i < 3; i++ {
		f.clock = clockid.Fixed(f.now.Add(time.Duration(i) * time.Hour))
		f.dispatcher = NewDispatcher(f.outbox, f.ledger, f.source, f.sender, f.clock, nil)
		if _, err := f.dispatcher.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}

	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusDead || got.AttemptCount != 3 {
		t.Fatalf("expected DEAD at 3 attempts, got %s/%d", got.Status, got.AttemptCount)
	}
	attempts, _ := f.ledger.ListForItem(it.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	if attempts[2].Status != AttemptDead {
		t.Errorf("last attempt = %s, want DEAD", attempts[2].Status)
	}
}

func TestUnknownChannelDiesImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ghost")

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.sender.calls) != 0 {
		t.Fatal("nothing should reach the wire")
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusDead {
		t.Fatalf("status = %s, want DEAD", got.Status)
	}
	if got.LastErrorCode != ErrCodeChannelUnavailable {
		t.Errorf("error code = %s", got.LastErrorCode)
	}

	// A logical DEAD attempt row still lands in the ledger.
	attempts, _ := f.ledger.ListForItem(it.ID)
	if len(attempts) != 1 || attempts[0].Status != AttemptDead {
		t.Fatalf("expected one DEAD attempt, got %+v", attempts)
	}
}

func TestDisabledChannelDiesImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	f.source.channels[0].Enabled = false
	it := f.enqueue(t, "ev1", "ops")

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusDead || got.LastErrorCode != ErrCodeChannelUnavailable {
		t.Fatalf("disabled channel: %s/%s", got.Status, got.LastErrorCode)
	}
}

func TestUnresolvableTargetDiesImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	f.source.channels[0].TargetURL = ""
	f.source.channels[0].TargetURLEnv = "PREFLIGHT_TEST_MISSING_URL"
	it := f.enqueue(t, "ev1", "ops")

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusDead || got.LastErrorCode != ErrCodeChannelTargetMissing {
		t.Fatalf("missing target: %s/%s", got.Status, got.LastErrorCode)
	}
}

func TestOrphanReaper(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")

	// Simulate a crash mid-send: a STARTED attempt much older than twice
	// the channel timeout, and the item still pending.
	old := f.now.Add(-time.Hour)
	if _, err := f.ledger.Start(it.ID, it.DeliveryID, it.EventID, "ops", 1, old); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Move the item out of the due window so the tick only reaps.
	status := 0
	if err := f.outbox.MarkRetry(it.ID, f.now.Add(time.Hour), &status, ErrCodeNetworkError, "in flight", old); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	attempts, _ := f.ledger.ListForItem(it.ID)
	if len(attempts) != 1 || attempts[0].Status != AttemptFailed {
		t.Fatalf("orphan not promoted: %+v", attempts)
	}
	if attempts[0].ErrorCode != ErrCodeAttemptOrphaned {
		t.Errorf("error code = %s", attempts[0].ErrorCode)
	}
	got, _ := f.outbox.Get(it.ID)
	if got.Status != outbox.StatusFailed {
		t.Errorf("item status = %s, want FAILED", got.Status)
	}
}

func TestOrphanReaperSparesRecentAttempts(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, "ev1", "ops")

	// STARTED one minute ago is inside the five minute floor.
	if _, err := f.ledger.Start(it.ID, it.DeliveryID, it.EventID, "ops", 1, f.now.Add(-time.Minute)); err != nil {
		t.Fatalf("start: %v", err)
	}
	status := 0
	if err := f.outbox.MarkRetry(it.ID, f.now.Add(time.Hour), &status, ErrCodeNetworkError, "in flight", f.now.Add(-time.Minute)); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	if _, err := f.dispatcher.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	attempts, _ := f.ledger.ListForItem(it.ID)
	if attempts[0].Status != AttemptStarted {
		t.Fatalf("recent attempt reaped: %+v", attempts[0])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		success   bool
		retryable bool
		code      string
	}{
		{"200", 200, nil, true, false, ""},
		{"201", 201, nil, true, false, ""},
		{"408", 408, nil, false, true, ErrCodeHTTPError},
		{"429", 429, nil, false, true, ErrCodeHTTPError},
		{"500", 500, nil, false, true, ErrCodeHTTPError},
		{"400", 400, nil, false, false, ErrCodeHTTPError},
		{"404", 404, nil, false, false, ErrCodeHTTPError},
		{"timeout", 0, context.DeadlineExceeded, false, true, ErrCodeTimeout},
		{"transport", 0, errors.New("eof"), false, true, ErrCodeNetworkError},
	}
	for _, tt := range tests {
		out := classify(tt.status, tt.err)
		if out.success != tt.success || out.retryable != tt.retryable {
			t.Errorf("%s: success=%v retryable=%v, want %v/%v", tt.name, out.success, out.retryable, tt.success, tt.retryable)
		}
		if out.errCode != tt.code {
			t.Errorf("%s: code=%s, want %s", tt.name, out.errCode, tt.code)
		}
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		base, attempt int
		want          time.Duration
	}{
		{30, 1, 30 * time.Second},
		{30, 2, 60 * time.Second},
		{30, 3, 120 * time.Second},
		{0, 1, 30 * time.Second},
		{3600, 20, maxBackoff},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.base, tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
		}
	}
}
