// Package alerting evaluates alert policies over the run registry and
// maintains alert state, history, silences, acknowledgements, and the
// audit trail.
package alerting

import (
	"strings"
	"time"

	"github.com/marcus-qen/preflightd/internal/policy"
)

// Alert statuses. An alert with no state row is implicitly OK.
const (
	StatusPending  = "PENDING"
	StatusFiring   = "FIRING"
	StatusResolved = "RESOLVED"
	StatusOK       = "OK"
)

// Audit event types.
const (
	AuditEvaluated  = "EVALUATED"
	AuditPending    = "PENDING"
	AuditFiring     = "FIRING"
	AuditResolved   = "RESOLVED"
	AuditSilenced   = "SILENCED"
	AuditUnsilenced = "UNSILENCED"
	AuditAcked      = "ACKED"
	AuditUnacked    = "UNACKED"
)

// State is the live row for one breaching policy. The alert id is the
// policy id: a policy has at most one active alert.
type State struct {
	PolicyID            string             `json:"policy_id"`
	Status              string             `json:"status"`
	Severity            string             `json:"severity"`
	SourceName          string             `json:"source_name,omitempty"`
	FirstSeenAt         time.Time          `json:"first_seen_at"`
	LastSeenAt          time.Time          `json:"last_seen_at"`
	ConsecutiveBreaches int                `json:"consecutive_breaches"`
	CurrentValue        float64            `json:"current_value"`
	Threshold           float64            `json:"threshold"`
	Message             string             `json:"message"`
	Context             map[string]any     `json:"context,omitempty"`
	Policy              policy.AlertPolicy `json:"policy"`
}

// HistoryEntry records one status transition.
type HistoryEntry struct {
	ID             string             `json:"id"`
	PolicyID       string             `json:"policy_id"`
	Status         string             `json:"status"`
	PreviousStatus string             `json:"previous_status"`
	Severity       string             `json:"severity"`
	SourceName     string             `json:"source_name,omitempty"`
	Value          float64            `json:"value"`
	Threshold      float64            `json:"threshold"`
	Message        string             `json:"message"`
	Context        map[string]any     `json:"context,omitempty"`
	Policy         policy.AlertPolicy `json:"policy"`
	TransitionedAt time.Time          `json:"transitioned_at"`
}

// Silence suppresses notification-relevant visibility of matching
// alerts for a bounded window. Empty filter fields are wildcards.
type Silence struct {
	ID         string     `json:"id"`
	PolicyID   string     `json:"policy_id,omitempty"`
	SourceName string     `json:"source_name,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	RuleID     string     `json:"rule_id,omitempty"`
	StartsAt   time.Time  `json:"starts_at"`
	EndsAt     time.Time  `json:"ends_at"`
	Reason     string     `json:"reason,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiredAt  *time.Time `json:"expired_at,omitempty"`
}

// ActiveAt reports whether the silence suppresses at time t.
func (s *Silence) ActiveAt(t time.Time) bool {
	if s.ExpiredAt != nil {
		return false
	}
	return !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}

// Matches reports whether the silence applies to an alert state. Every
// non-empty filter must match; source and severity compare
// case-insensitively.
func (s *Silence) Matches(st *State) bool {
	if s.PolicyID != "" && s.PolicyID != st.PolicyID {
		return false
	}
	if s.SourceName != "" && !strings.EqualFold(s.SourceName, st.SourceName) {
		return false
	}
	if s.Severity != "" && !strings.EqualFold(s.Severity, st.Severity) {
		return false
	}
	if s.RuleID != "" && s.RuleID != st.Policy.RuleID {
		return false
	}
	return true
}

// Acknowledgement marks an active alert as seen by an operator.
type Acknowledgement struct {
	AlertID        string     `json:"alert_id"`
	AcknowledgedBy string     `json:"acknowledged_by"`
	AcknowledgedAt time.Time  `json:"acknowledged_at"`
	Note           string     `json:"note,omitempty"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
}

// AuditEvent is one append-only entry in the alert audit trail.
type AuditEvent struct {
	ID        string         `json:"id"`
	AlertID   string         `json:"alert_id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	EventAt   time.Time      `json:"event_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ActiveAlert is an alert state overlaid with its silence and
// acknowledgement standing for read paths.
type ActiveAlert struct {
	State
	Silenced       bool     `json:"silenced"`
	SilencedBy     []string `json:"silenced_by,omitempty"`
	Acknowledged   bool     `json:"acknowledged"`
	AcknowledgedBy string   `json:"acknowledged_by,omitempty"`
}
