package server

import "net/http"

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Run registry
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/runs", s.auth(s.handleInsertRecord))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs", s.auth(s.handleListRuns))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}", s.auth(s.handleGetRun))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/latest", s.auth(s.handleLatest))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/latest/{source_name}", s.auth(s.handleLatest))

	// Artifacts
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/artifacts", s.auth(s.handleListArtifacts))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/validation", s.auth(s.artifactJSONHandler("validation")))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/semantic", s.auth(s.artifactJSONHandler("semantic")))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/manifest", s.auth(s.artifactJSONHandler("manifest")))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/runs/{run_id}/sources/{source}/download/{kind}", s.auth(s.handleDownloadArtifact))

	// Analytics
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/trends", s.auth(s.handleTrends))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/rules/top", s.auth(s.handleTopRules))

	// Alerts
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/alerts/active", s.auth(s.handleActiveAlerts))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/alerts/history", s.auth(s.handleAlertHistory))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/alerts/policies", s.auth(s.handleAlertPolicies))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/alerts/silences", s.auth(s.handleListSilences))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/alerts/audit", s.auth(s.handleAlertAudit))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/alerts/silences", s.auth(s.handleCreateSilence))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/alerts/silences/{id}/expire", s.auth(s.handleExpireSilence))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/alerts/{id}/ack", s.auth(s.handleAck))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/alerts/{id}/unack", s.auth(s.handleUnack))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/alerts/evaluate", s.auth(s.handleEvaluate))

	// Notifications
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/outbox", s.auth(s.handleOutbox))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/history", s.auth(s.handleNotificationHistory))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/stats", s.auth(s.handleNotificationStats))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/trends", s.auth(s.handleNotificationTrends))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/channels", s.auth(s.handleChannels))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/endpoints", s.auth(s.handleChannelEndpoints))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/deliveries", s.auth(s.handleDeliveries))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/attempts", s.auth(s.handleAttempts))
	mux.HandleFunc("GET /api/v1/diagnostics/preflight/notifications/attempts/{id}", s.auth(s.handleAttemptsForItem))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/notifications/dispatch", s.auth(s.handleDispatch))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/notifications/outbox/{id}/replay", s.auth(s.handleReplay))
	mux.HandleFunc("POST /api/v1/diagnostics/preflight/notifications/outbox/replay-dead", s.auth(s.handleReplayDead))

	// Metrics
	mux.HandleFunc("GET /api/v1/diagnostics/metrics", s.metricsHandler())
}
