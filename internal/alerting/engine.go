package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/policy"
	"github.com/marcus-qen/preflightd/internal/registry"
	"go.uber.org/zap"
)

// PolicySource supplies the current policy and channel documents. The
// scheduler reloads them on every evaluation pass so document edits take
// effect without a restart.
type PolicySource interface {
	Policies() ([]policy.AlertPolicy, error)
	Channels() ([]policy.Channel, error)
}

// FilePolicySource loads the documents from disk on every call.
type FilePolicySource struct {
	PolicyPath  string
	ChannelPath string
}

func (f *FilePolicySource) Policies() ([]policy.AlertPolicy, error) {
	if f.PolicyPath == "" {
		return nil, nil
	}
	return policy.LoadPolicies(f.PolicyPath)
}

func (f *FilePolicySource) Channels() ([]policy.Channel, error) {
	if f.ChannelPath == "" {
		return nil, nil
	}
	return policy.LoadChannels(f.ChannelPath)
}

// Engine evaluates every enabled policy against the run registry and
// drives the alert state machine.
type Engine struct {
	registry *registry.Store
	gateway  *artifacts.Gateway
	store    *Store
	outbox   *outbox.Store
	source   PolicySource
	clock    clockid.Clock
	logger   *zap.Logger

	evalMu sync.Mutex
}

// NewEngine wires an engine. A nil clock selects the system clock.
func NewEngine(reg *registry.Store, gw *artifacts.Gateway, store *Store, ob *outbox.Store, source PolicySource, clock clockid.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = clockid.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: reg,
		gateway:  gw,
		store:    store,
		outbox:   ob,
		source:   source,
		clock:    clock,
		logger:   logger,
	}
}

// Store exposes the underlying alert store for read paths and overlays.
func (e *Engine) Store() *Store { return e.store }

// Evaluate runs one full evaluation pass. Passes are serialised; a
// second caller blocks until the first finishes. Returns the active
// alerts after the pass.
func (e *Engine) Evaluate(ctx context.Context, actor string) ([]ActiveAlert, error) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	now := e.clock.Now().UTC()

	policies, err := e.source.Policies()
	if err != nil {
		return nil, fmt.Errorf("load alert policies: %w", err)
	}

	enabled := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.Enabled {
			continue
		}
		enabled[p.ID] = struct{}{}
		if err := e.evaluatePolicy(p, now, actor); err != nil {
			e.logger.Error("policy evaluation failed",
				zap.String("policy_id", p.ID),
				zap.Error(err),
			)
		}
	}

	if err := e.resolveOrphanedStates(enabled, now, actor); err != nil {
		e.logger.Error("orphaned state resolution failed", zap.Error(err))
	}

	if _, err := e.store.ExpireElapsed(now); err != nil {
		e.logger.Warn("silence expiry sweep failed", zap.Error(err))
	}

	return e.ActiveAlerts()
}

// evaluatePolicy computes the policy metric over its window and applies
// the state machine for one policy.
func (e *Engine) evaluatePolicy(p policy.AlertPolicy, now time.Time, actor string) error {
	from := now.AddDate(0, 0, -p.WindowDays)
	records, err := e.registry.InWindow(from, now, p.SourceName)
	if err != nil {
		return fmt.Errorf("load window records: %w", err)
	}

	value := e.metricValue(p, records)
	breached := p.Compare(value)

	existing, err := e.store.GetState(p.ID)
	if err != nil {
		return fmt.Errorf("load alert state: %w", err)
	}

	evalContext := map[string]any{
		"metric_type":       p.MetricType,
		"operator":          p.Operator,
		"value":             value,
		"threshold":         p.Threshold,
		"window_days":       p.WindowDays,
		"records_evaluated": len(records),
		"breached":          breached,
	}
	if p.RuleID != "" {
		evalContext["rule_id"] = p.RuleID
	}

	defer func() {
		_ = e.store.AppendAudit(&AuditEvent{
			AlertID:   p.ID,
			EventType: AuditEvaluated,
			Actor:     actor,
			EventAt:   now,
			Payload:   evalContext,
		})
	}()

	if !breached {
		if existing == nil {
			return nil
		}
		return e.resolveState(existing, value, now, actor)
	}

	consecutive := 1
	firstSeen := now
	previousStatus := StatusOK
	if existing != nil {
		consecutive = existing.ConsecutiveBreaches + 1
		firstSeen = existing.FirstSeenAt
		previousStatus = existing.Status
	}

	status := StatusPending
	if consecutive >= p.PendingEvaluations {
		status = StatusFiring
	}

	st := &State{
		PolicyID:            p.ID,
		Status:              status,
		Severity:            p.Severity,
		SourceName:          p.SourceName,
		FirstSeenAt:         firstSeen,
		LastSeenAt:          now,
		ConsecutiveBreaches: consecutive,
		CurrentValue:        value,
		Threshold:           p.Threshold,
		Message:             breachMessage(p, value),
		Context:             evalContext,
		Policy:              p,
	}

	if existing != nil && existing.Status == status {
		return e.store.UpsertState(st)
	}

	hist := historyFor(st, previousStatus, now)
	if err := e.store.SaveTransition(st, hist); err != nil {
		return fmt.Errorf("save transition: %w", err)
	}

	_ = e.store.AppendAudit(&AuditEvent{
		AlertID:   p.ID,
		EventType: status,
		Actor:     actor,
		EventAt:   now,
		Payload: map[string]any{
			"previous_status":      previousStatus,
			"value":                value,
			"threshold":            p.Threshold,
			"consecutive_breaches": consecutive,
		},
	})

	if status == StatusFiring {
		e.enqueueTransition(policy.EventAlertFiring, st, previousStatus, now)
	}
	return nil
}

// resolveState deletes the live state and records the RESOLVED
// transition; a firing alert also notifies.
func (e *Engine) resolveState(existing *State, value float64, now time.Time, actor string) error {
	resolved := *existing
	resolved.Status = StatusResolved
	resolved.CurrentValue = value
	resolved.LastSeenAt = now

	hist := historyFor(&resolved, existing.Status, now)
	if err := e.store.SaveTransition(nil, hist); err != nil {
		return fmt.Errorf("save resolution: %w", err)
	}

	_ = e.store.AppendAudit(&AuditEvent{
		AlertID:   existing.PolicyID,
		EventType: AuditResolved,
		Actor:     actor,
		EventAt:   now,
		Payload: map[string]any{
			"previous_status": existing.Status,
			"value":           value,
			"threshold":       existing.Threshold,
		},
	})

	if existing.Status == StatusFiring {
		e.enqueueTransition(policy.EventAlertResolved, &resolved, existing.Status, now)
	}
	return nil
}

// resolveOrphanedStates resolves live alerts whose policy was disabled
// or removed from the document. A firing alert emits one final
// ALERT_RESOLVED so subscribers are not left with a dangling firing.
func (e *Engine) resolveOrphanedStates(enabled map[string]struct{}, now time.Time, actor string) error {
	states, err := e.store.ListStates()
	if err != nil {
		return err
	}
	for i := range states {
		st := &states[i]
		if _, ok := enabled[st.PolicyID]; ok {
			continue
		}
		if err := e.resolveState(st, st.CurrentValue, now, actor); err != nil {
			e.logger.Error("orphaned alert resolution failed",
				zap.String("policy_id", st.PolicyID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// enqueueTransition fans one transition out to every enabled channel
// that accepts the event type. All rows share one event id; each row
// carries its own delivery id. Enqueues happen after the transition
// committed, so a crash between commit and enqueue loses notifications
// but never alert state.
func (e *Engine) enqueueTransition(eventType string, st *State, previousStatus string, now time.Time) {
	channels, err := e.source.Channels()
	if err != nil {
		e.logger.Error("load notification channels", zap.Error(err))
		return
	}

	eventID := clockid.NewHexID()
	payload := map[string]any{
		"alert": map[string]any{
			"alert_id":        st.PolicyID,
			"policy_id":       st.PolicyID,
			"severity":        st.Severity,
			"source_name":     st.SourceName,
			"status":          st.Status,
			"previous_status": previousStatus,
			"current_value":   st.CurrentValue,
			"threshold":       st.Threshold,
			"message":         st.Message,
		},
		"context": st.Context,
	}

	for _, ch := range channels {
		if !ch.Enabled || !ch.Supports(eventType) {
			continue
		}
		item := outbox.Item{
			EventID:       eventID,
			EventType:     eventType,
			AlertID:       st.PolicyID,
			PolicyID:      st.PolicyID,
			Severity:      st.Severity,
			SourceName:    st.SourceName,
			Payload:       payload,
			ChannelType:   ch.Type,
			ChannelTarget: ch.ID,
			MaxAttempts:   ch.MaxAttempts,
			CreatedAt:     now,
			NextRetryAt:   now,
		}
		if _, err := e.outbox.Enqueue(item); err != nil {
			e.logger.Error("enqueue notification",
				zap.String("event_id", eventID),
				zap.String("channel_id", ch.ID),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("notification enqueued",
			zap.String("event_id", eventID),
			zap.String("event_type", eventType),
			zap.String("alert_id", st.PolicyID),
			zap.String("channel_id", ch.ID),
		)
	}
}

// ActiveAlerts returns the live states overlaid with silence and
// acknowledgement standing. Elapsed silences are lazily expired first.
func (e *Engine) ActiveAlerts() ([]ActiveAlert, error) {
	now := e.clock.Now().UTC()
	if _, err := e.store.ExpireElapsed(now); err != nil {
		e.logger.Warn("silence expiry sweep failed", zap.Error(err))
	}

	states, err := e.store.ListStates()
	if err != nil {
		return nil, err
	}
	silences, err := e.store.ActiveSilences(now)
	if err != nil {
		return nil, err
	}

	out := make([]ActiveAlert, 0, len(states))
	for i := range states {
		st := states[i]
		alert := ActiveAlert{State: st}
		for _, sil := range silences {
			if sil.Matches(&st) {
				alert.Silenced = true
				alert.SilencedBy = append(alert.SilencedBy, sil.ID)
			}
		}
		if ack, err := e.store.GetAcknowledgement(st.PolicyID); err == nil && ack != nil {
			alert.Acknowledged = true
			alert.AcknowledgedBy = ack.AcknowledgedBy
		}
		out = append(out, alert)
	}
	return out, nil
}

// CreateSilence persists a silence and audits it against every alert it
// currently matches.
func (e *Engine) CreateSilence(sil Silence, actor string) (*Silence, error) {
	now := e.clock.Now().UTC()
	created, err := e.store.CreateSilence(&sil, now)
	if err != nil {
		return nil, err
	}

	states, err := e.store.ListStates()
	if err == nil {
		for i := range states {
			if created.Matches(&states[i]) && created.ActiveAt(now) {
				_ = e.store.AppendAudit(&AuditEvent{
					AlertID:   states[i].PolicyID,
					EventType: AuditSilenced,
					Actor:     actor,
					EventAt:   now,
					Payload:   map[string]any{"silence_id": created.ID},
				})
			}
		}
	}
	return created, nil
}

// ExpireSilence ends a silence early.
func (e *Engine) ExpireSilence(id, actor string) error {
	now := e.clock.Now().UTC()
	if err := e.store.ExpireSilence(id, now); err != nil {
		return err
	}
	_ = e.store.AppendAudit(&AuditEvent{
		AlertID:   id,
		EventType: AuditUnsilenced,
		Actor:     actor,
		EventAt:   now,
		Payload:   map[string]any{"silence_id": id},
	})
	return nil
}

// Acknowledge marks an active alert acknowledged. Acknowledging an
// alert with no live state is rejected.
func (e *Engine) Acknowledge(alertID, actor, note string) (*Acknowledgement, error) {
	st, err := e.store.GetState(alertID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, faults.NotFoundf("alert %s is not active", alertID)
	}
	now := e.clock.Now().UTC()
	ack, err := e.store.Acknowledge(alertID, actor, note, now)
	if err != nil {
		return nil, err
	}
	_ = e.store.AppendAudit(&AuditEvent{
		AlertID:   alertID,
		EventType: AuditAcked,
		Actor:     actor,
		EventAt:   now,
		Payload:   map[string]any{"note": note},
	})
	return ack, nil
}

// Unacknowledge clears an acknowledgement.
func (e *Engine) Unacknowledge(alertID, actor string) error {
	now := e.clock.Now().UTC()
	if err := e.store.ClearAcknowledgement(alertID, now); err != nil {
		return err
	}
	_ = e.store.AppendAudit(&AuditEvent{
		AlertID:   alertID,
		EventType: AuditUnacked,
		Actor:     actor,
		EventAt:   now,
	})
	return nil
}

// metricValue computes one policy metric over the window records. Rate
// metrics over an empty window are zero, never NaN.
func (e *Engine) metricValue(p policy.AlertPolicy, records []registry.Record) float64 {
	total := len(records)
	switch p.MetricType {
	case policy.MetricFailRate:
		if total == 0 {
			return 0
		}
		return float64(countStatus(records, registry.StatusFail)) / float64(total)
	case policy.MetricBlockedCount:
		n := 0
		for _, r := range records {
			if r.Blocked {
				n++
			}
		}
		return float64(n)
	case policy.MetricFailCount:
		return float64(countStatus(records, registry.StatusFail))
	case policy.MetricUnifiedUsageRate:
		if total == 0 {
			return 0
		}
		n := 0
		for _, r := range records {
			if r.UsedUnified {
				n++
			}
		}
		return float64(n) / float64(total)
	case policy.MetricTopRuleFailCount:
		counts := e.gateway.RuleFailures(records)
		top := 0
		for _, n := range counts {
			if n > top {
				top = n
			}
		}
		return float64(top)
	case policy.MetricSemanticRuleFailCount:
		counts := e.gateway.RuleFailures(records)
		return float64(counts[p.RuleID])
	default:
		return 0
	}
}

func countStatus(records []registry.Record, status string) int {
	n := 0
	for _, r := range records {
		if r.FinalStatus == status {
			n++
		}
	}
	return n
}

func historyFor(st *State, previousStatus string, now time.Time) *HistoryEntry {
	return &HistoryEntry{
		PolicyID:       st.PolicyID,
		Status:         st.Status,
		PreviousStatus: previousStatus,
		Severity:       st.Severity,
		SourceName:     st.SourceName,
		Value:          st.CurrentValue,
		Threshold:      st.Threshold,
		Message:        st.Message,
		Context:        st.Context,
		Policy:         st.Policy,
		TransitionedAt: now,
	}
}

func breachMessage(p policy.AlertPolicy, value float64) string {
	return fmt.Sprintf("%s %s %g (observed %g over %dd window)",
		p.MetricType, p.Operator, p.Threshold, value, p.WindowDays)
}
