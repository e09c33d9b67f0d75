package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
)

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.engine.ActiveAlerts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Store().ListHistory(
		r.URL.Query().Get("policy_id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"history": entries})
}

func (s *Server) handleAlertPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.source.Policies()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"policies": policies})
}

func (s *Server) handleListSilences(w http.ResponseWriter, r *http.Request) {
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	silences, err := s.engine.Store().ListSilences(includeExpired, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"silences": silences})
}

func (s *Server) handleAlertAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.engine.Store().ListAudit(q.Get("alert_id"), q.Get("event_type"), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleCreateSilence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyID        string `json:"policy_id"`
		SourceName      string `json:"source_name"`
		Severity        string `json:"severity"`
		RuleID          string `json:"rule_id"`
		StartsAt        string `json:"starts_at"`
		EndsAt          string `json:"ends_at"`
		DurationMinutes int    `json:"duration_minutes"`
		Reason          string `json:"reason"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid silence body: "+err.Error())
		return
	}

	sil := alerting.Silence{
		PolicyID:   req.PolicyID,
		SourceName: req.SourceName,
		Severity:   req.Severity,
		RuleID:     req.RuleID,
		Reason:     req.Reason,
		CreatedBy:  actor(r),
	}
	if req.StartsAt != "" {
		t, err := time.Parse(time.RFC3339, req.StartsAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid starts_at")
			return
		}
		sil.StartsAt = t
	}
	switch {
	case req.EndsAt != "":
		t, err := time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid ends_at")
			return
		}
		sil.EndsAt = t
	case req.DurationMinutes > 0:
		start := sil.StartsAt
		if start.IsZero() {
			start = time.Now().UTC()
			sil.StartsAt = start
		}
		sil.EndsAt = start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}

	created, err := s.engine.CreateSilence(sil, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created)
}

func (s *Server) handleExpireSilence(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ExpireSilence(r.PathValue("id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "expired"})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)

	ack, err := s.engine.Acknowledge(r.PathValue("id"), actor(r), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ack)
}

func (s *Server) handleUnack(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unacknowledge(r.PathValue("id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "unacknowledged"})
}

// handleEvaluate triggers a manual evaluation pass. Disabled unless the
// deployment explicitly opts in.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowManualEvaluate {
		writeJSONError(w, http.StatusForbidden, "forbidden", "manual evaluation is disabled")
		return
	}
	alerts, err := s.engine.Evaluate(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts})
}
