package server

import (
	"net/http"
	"time"

	"github.com/marcus-qen/preflightd/internal/analytics"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/outbox"
	"github.com/marcus-qen/preflightd/internal/shared/security"
)

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	items, err := s.outbox.List(r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.outbox.ListByStatuses(
		[]string{outbox.StatusSent, outbox.StatusDead, outbox.StatusFailed},
		queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.DeliveryStats(time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	attempts, err := s.ledger.CountByChannelEventStatus()
	if err != nil {
		writeError(w, err)
		return
	}

	byOutcome := make([]map[string]any, 0, len(attempts))
	for key, n := range attempts {
		byOutcome = append(byOutcome, map[string]any{
			"channel":    key[0],
			"event_type": key[1],
			"status":     key[2],
			"count":      n,
		})
	}
	writeJSON(w, map[string]any{
		"outbox":   stats,
		"attempts": byOutcome,
	})
}

func (s *Server) handleNotificationTrends(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		bucket = analytics.BucketDay
	}
	points, err := s.analytics.NotificationTrends(bucket, queryInt(r, "days", 30), time.Now().UTC())
	if err != nil {
		writeError(w, faults.Payloadf("%v", err))
		return
	}
	writeJSON(w, map[string]any{"bucket": bucket, "points": points})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.source.Channels()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"channels": channels})
}

// handleChannelEndpoints reports per-channel target resolvability. The
// resolved URL is sanitised so embedded credentials never leave the
// process.
func (s *Server) handleChannelEndpoints(w http.ResponseWriter, r *http.Request) {
	channels, err := s.source.Channels()
	if err != nil {
		writeError(w, err)
		return
	}
	endpoints := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		url, ok := ch.ResolveTarget()
		endpoints = append(endpoints, map[string]any{
			"id":         ch.ID,
			"type":       ch.Type,
			"enabled":    ch.Enabled,
			"target_url": security.Sanitize(url),
			"resolvable": ok,
			"signed":     ch.SigningSecretEnv != "",
		})
	}
	writeJSON(w, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	items, err := s.outbox.List(outbox.StatusSent, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deliveries": items})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.ledger.ListRecent(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"attempts": attempts})
}

func (s *Server) handleAttemptsForItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.outbox.Get(id); err != nil {
		writeError(w, err)
		return
	}
	attempts, err := s.ledger.ListForItem(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"attempts": attempts})
}

// handleDispatch triggers one drain pass synchronously.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	processed, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"processed": processed})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	item, err := s.outbox.Replay(r.PathValue("id"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, item)
}

// handleReplayDead replays every DEAD item in one call and reports
// per-item results.
func (s *Server) handleReplayDead(w http.ResponseWriter, r *http.Request) {
	dead, err := s.outbox.ListByStatuses([]string{outbox.StatusDead}, 500)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	results := make([]map[string]any, 0, len(dead))
	replayed := 0
	for _, item := range dead {
		clone, err := s.outbox.Replay(item.ID, now)
		if err != nil {
			results = append(results, map[string]any{"id": item.ID, "error": err.Error()})
			continue
		}
		replayed++
		results = append(results, map[string]any{"id": item.ID, "replayed_as": clone.ID})
	}
	writeJSON(w, map[string]any{"replayed": replayed, "results": results})
}
