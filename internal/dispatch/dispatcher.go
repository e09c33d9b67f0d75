package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/policy"
	"github.com/marcus-qen/preflightd/internal/shared/security"
	"github.com/marcus-qen/preflightd/internal/shared/signing"
	"go.uber.org/zap"
)

// Webhook headers attached to every delivery.
const (
	HeaderEventID    = "X-Preflight-Event-Id"
	HeaderDeliveryID = "X-Preflight-Delivery-Id"
	HeaderTimestamp  = "X-Preflight-Timestamp"
	HeaderSignature  = "X-Preflight-Signature"
)

// envelopeVersion tags the webhook payload schema.
const envelopeVersion = "v1"

// maxBackoff caps exponential retry delay.
const maxBackoff = 24 * time.Hour

// defaultBatchSize bounds items drained per tick.
const defaultBatchSize = 50

// minOrphanAge is the floor on how old a STARTED attempt must be before
// the reaper promotes it.
const minOrphanAge = 5 * time.Minute

// Sender performs one webhook POST. Split out so tests can deliver
// without a network.
type Sender interface {
	Send(ctx context.Context, url string, body []byte, headers map[string]string) (int, error)
}

// HTTPSender delivers over net/http.
type HTTPSender struct {
	Client *http.Client
}

// Send posts the body and returns the response status. The response body
// is drained and discarded; only the status code matters.
func (s *HTTPSender) Send(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}

// Dispatcher drains due outbox items and delivers them to their
// channels.
type Dispatcher struct {
	outbox    *outbox.Store
	ledger    *Ledger
	source    alerting.PolicySource
	sender    Sender
	clock     clockid.Clock
	logger    *zap.Logger
	batchSize int

	tickMu sync.Mutex
}

// NewDispatcher wires a dispatcher. Nil sender and clock select the
// HTTP sender and system clock.
func NewDispatcher(ob *outbox.Store, ledger *Ledger, source alerting.PolicySource, sender Sender, clock clockid.Clock, logger *zap.Logger) *Dispatcher {
	if sender == nil {
		sender = &HTTPSender{}
	}
	if clock == nil {
		clock = clockid.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		outbox:    ob,
		ledger:    ledger,
		source:    source,
		sender:    sender,
		clock:     clock,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// SetBatchSize bounds the number of items drained per tick.
func (d *Dispatcher) SetBatchSize(n int) {
	if n > 0 {
		d.batchSize = n
	}
}

// Tick drains one batch of due items and reaps orphaned attempts. Ticks
// are serialised. Returns the number of items processed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now := d.clock.Now().UTC()
	due, err := d.outbox.ListDue(d.batchSize, now)
	if err != nil {
		return 0, fmt.Errorf("list due items: %w", err)
	}

	channels, err := d.source.Channels()
	if err != nil {
		return 0, fmt.Errorf("load notification channels: %w", err)
	}
	byID := make(map[string]policy.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	processed := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		d.deliver(ctx, &due[i], byID)
		processed++
	}

	d.reapOrphans(channels)
	return processed, nil
}

// deliver attempts one outbox item once and records the outcome in the
// ledger and on the item.
func (d *Dispatcher) deliver(ctx context.Context, item *outbox.Item, channels map[string]policy.Channel) {
	now := d.clock.Now().UTC()
	attemptNumber, err := d.ledger.NextAttemptNumber(item.ID)
	if err != nil {
		d.logger.Error("attempt numbering failed", zap.String("outbox_item_id", item.ID), zap.Error(err))
		return
	}

	ch, ok := channels[item.ChannelTarget]
	if !ok || !ch.Enabled || ch.Type != policy.ChannelTypeWebhook {
		d.kill(item, attemptNumber, item.ChannelTarget, ErrCodeChannelUnavailable,
			fmt.Sprintf("channel %s is not configured, disabled, or not a webhook", item.ChannelTarget), now)
		return
	}

	url, ok := ch.ResolveTarget()
	if !ok {
		d.kill(item, attemptNumber, ch.ID, ErrCodeChannelTargetMissing,
			fmt.Sprintf("channel %s has no resolvable target url", ch.ID), now)
		return
	}

	body, err := json.Marshal(d.envelope(item))
	if err != nil {
		d.kill(item, attemptNumber, ch.ID, ErrCodeUnexpected,
			fmt.Sprintf("marshal envelope: %v", err), now)
		return
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	headers := map[string]string{
		HeaderEventID:    item.EventID,
		HeaderDeliveryID: item.DeliveryID,
		HeaderTimestamp:  timestamp,
	}
	if ch.SigningSecretEnv != "" {
		if secret := os.Getenv(ch.SigningSecretEnv); secret != "" {
			headers[HeaderSignature] = signing.Sign([]byte(secret), timestamp, body)
		} else {
			d.logger.Warn("signing secret env is empty, sending unsigned",
				zap.String("channel_target", ch.ID),
				zap.String("delivery_id", item.DeliveryID),
			)
		}
	}

	attemptID, err := d.ledger.Start(item.ID, item.DeliveryID, item.EventID, ch.ID, attemptNumber, now)
	if err != nil {
		d.logger.Error("ledger start failed", zap.String("outbox_item_id", item.ID), zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(ch.TimeoutSeconds)*time.Second)
	status, sendErr := d.sender.Send(sendCtx, url, body, headers)
	cancel()

	finished := d.clock.Now().UTC()
	durationMS := finished.Sub(now).Milliseconds()

	outcome := classify(status, sendErr)
	d.record(item, ch, attemptID, attemptNumber, outcome, durationMS, finished)
}

// outcome is the classification of one send.
type outcome struct {
	success    bool
	retryable  bool
	httpStatus *int
	errCode    string
	errMsg     string
}

// classify maps a send result onto the delivery error taxonomy: 2xx
// succeeds; 408, 429 and 5xx are transient; other HTTP statuses are
// permanent; timeouts and transport errors are transient.
func classify(status int, sendErr error) outcome {
	if sendErr != nil {
		code := ErrCodeNetworkError
		if errors.Is(sendErr, context.DeadlineExceeded) {
			code = ErrCodeTimeout
		}
		fault := faults.Wrap(faults.KindTransientDelivery, sendErr, "")
		return outcome{retryable: true, errCode: code, errMsg: fault.Error()}
	}
	if status >= 200 && status < 300 {
		return outcome{success: true, httpStatus: &status}
	}
	var fault error
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		fault = faults.Transientf("unexpected status %d", status)
	} else {
		fault = faults.Permanentf("unexpected status %d", status)
	}
	return outcome{
		retryable:  faults.KindOf(fault) == faults.KindTransientDelivery,
		httpStatus: &status,
		errCode:    ErrCodeHTTPError,
		errMsg:     fault.Error(),
	}
}

// record finalises the ledger row and moves the outbox item.
func (d *Dispatcher) record(item *outbox.Item, ch policy.Channel, attemptID string, attemptNumber int, out outcome, durationMS int64, now time.Time) {
	safeMsg := security.SafeErrorMessage(out.errMsg)

	fields := []zap.Field{
		zap.String("event_id", item.EventID),
		zap.String("delivery_id", item.DeliveryID),
		zap.String("outbox_item_id", item.ID),
		zap.String("channel_target", ch.ID),
		zap.String("event_type", item.EventType),
		zap.Int("attempt_count", attemptNumber),
		zap.String("attempt_id", attemptID),
	}
	if out.httpStatus != nil {
		fields = append(fields, zap.Int("http_status", *out.httpStatus))
	}
	if out.errCode != "" {
		fields = append(fields, zap.String("error_code", out.errCode))
	}

	switch {
	case out.success:
		_ = d.ledger.Finish(attemptID, AttemptSent, out.httpStatus, "", "", durationMS, now)
		if err := d.outbox.MarkSent(item.ID, *out.httpStatus, now); err != nil {
			d.logger.Error("mark sent failed", append(fields, zap.Error(err))...)
			return
		}
		d.logger.Info("notification delivered", fields...)

	case out.retryable && attemptNumber < item.MaxAttempts:
		next := now.Add(retryBackoff(ch.BackoffSeconds, attemptNumber))
		_ = d.ledger.Finish(attemptID, AttemptRetry, out.httpStatus, out.errCode, safeMsg, durationMS, now)
		if err := d.outbox.MarkRetry(item.ID, next, out.httpStatus, out.errCode, safeMsg, now); err != nil {
			d.logger.Error("mark retry failed", append(fields, zap.Error(err))...)
			return
		}
		d.logger.Warn("notification attempt failed, will retry",
			append(fields, zap.Time("next_retry_at", next))...)

	default:
		_ = d.ledger.Finish(attemptID, AttemptDead, out.httpStatus, out.errCode, safeMsg, durationMS, now)
		if err := d.outbox.MarkDead(item.ID, true, out.httpStatus, out.errCode, safeMsg, now); err != nil {
			d.logger.Error("mark dead failed", append(fields, zap.Error(err))...)
			return
		}
		d.logger.Error("notification exhausted", fields...)
	}
}

// kill terminates an item that cannot reach the wire at all. A DEAD
// attempt row is still appended so the ledger accounts for the tick.
func (d *Dispatcher) kill(item *outbox.Item, attemptNumber int, channelTarget, errCode, errMsg string, now time.Time) {
	safeMsg := security.SafeErrorMessage(errMsg)

	attemptID, err := d.ledger.Start(item.ID, item.DeliveryID, item.EventID, channelTarget, attemptNumber, now)
	if err == nil {
		_ = d.ledger.Finish(attemptID, AttemptDead, nil, errCode, safeMsg, 0, now)
	}

	fields := []zap.Field{
		zap.String("event_id", item.EventID),
		zap.String("delivery_id", item.DeliveryID),
		zap.String("outbox_item_id", item.ID),
		zap.String("channel_target", channelTarget),
		zap.String("event_type", item.EventType),
		zap.Int("attempt_count", attemptNumber),
		zap.String("attempt_id", attemptID),
		zap.String("error_code", errCode),
	}

	if err := d.outbox.MarkDead(item.ID, true, nil, errCode, safeMsg, now); err != nil {
		d.logger.Error("mark dead failed", append(fields, zap.Error(err))...)
		return
	}
	d.logger.Error("notification channel unusable", fields...)
}

// fallbackBackoffSeconds is used when a channel carries no usable
// backoff.
const fallbackBackoffSeconds = 30

// retryBackoff computes the delay before attempt n+1: base doubled per
// prior attempt, capped at 24h.
func retryBackoff(backoffSeconds, attemptNumber int) time.Duration {
	if backoffSeconds < 1 {
		backoffSeconds = fallbackBackoffSeconds
	}
	delay := time.Duration(backoffSeconds) * time.Second
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// reapOrphans promotes STARTED attempts abandoned by a crashed
// dispatcher to FAILED and fails their outbox items. The cutoff is
// twice the longest channel timeout, floored at five minutes, so a slow
// in-flight send is never reaped.
func (d *Dispatcher) reapOrphans(channels []policy.Channel) {
	maxTimeout := time.Duration(0)
	for _, ch := range channels {
		if t := time.Duration(ch.TimeoutSeconds) * time.Second; t > maxTimeout {
			maxTimeout = t
		}
	}
	age := 2 * maxTimeout
	if age < minOrphanAge {
		age = minOrphanAge
	}

	now := d.clock.Now().UTC()
	orphans, err := d.ledger.Orphans(now.Add(-age))
	if err != nil {
		d.logger.Error("orphan scan failed", zap.Error(err))
		return
	}
	for _, a := range orphans {
		msg := "delivery attempt abandoned mid-send"
		_ = d.ledger.Finish(a.ID, AttemptFailed, nil, ErrCodeAttemptOrphaned, msg, 0, now)
		if err := d.outbox.MarkFailed(a.OutboxItemID, true, nil, ErrCodeAttemptOrphaned, msg, now); err != nil {
			// Item already reached a terminal state via another path.
			continue
		}
		d.logger.Warn("orphaned delivery attempt reaped",
			zap.String("outbox_item_id", a.OutboxItemID),
			zap.String("delivery_id", a.DeliveryID),
			zap.Int("attempt", a.AttemptNumber),
		)
	}
}

// envelope builds the versioned webhook payload. The delivery object is
// always present; replayed_from_id only appears on replayed rows.
func (d *Dispatcher) envelope(item *outbox.Item) map[string]any {
	delivery := map[string]any{
		"delivery_id": item.DeliveryID,
	}
	if item.ReplayedFromID != "" {
		delivery["replayed_from_id"] = item.ReplayedFromID
	}
	env := map[string]any{
		"version":     envelopeVersion,
		"event_id":    item.EventID,
		"event_type":  item.EventType,
		"occurred_at": item.CreatedAt.UTC().Format(time.RFC3339),
		"delivery":    delivery,
	}
	if alert, ok := item.Payload["alert"]; ok {
		env["alert"] = alert
	}
	if ctx, ok := item.Payload["context"]; ok {
		env["context"] = ctx
	}
	return env
}
