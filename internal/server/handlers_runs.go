package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus-qen/preflightd/internal/analytics"
	"github.com/marcus-qen/preflightd/internal/artifacts"
	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/registry"
	"github.com/marcus-qen/preflightd/internal/telemetry"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}

func (s *Server) handleInsertRecord(w http.ResponseWriter, r *http.Request) {
	var rec registry.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid record body: "+err.Error())
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.FinalStatus = registry.DeriveFinal(rec.ValidationStatus, rec.SemanticStatus)

	_, span := telemetry.StartIngestSpan(r.Context(), rec.RunID, rec.SourceName)
	defer span.End()
	if err := s.registry.Insert(rec); err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	source := q.Get("source_name")
	dsID := queryInt64Ptr(r, "data_source_id")

	// Record-level filters switch the response from run summaries to the
	// matching records.
	if q.Get("mode") != "" || q.Get("final_status") != "" ||
		q.Get("date_from") != "" || q.Get("date_to") != "" {
		f := registry.Filter{
			SourceName:   source,
			DataSourceID: dsID,
			Mode:         q.Get("mode"),
			FinalStatus:  q.Get("final_status"),
			Limit:        limit,
		}
		if t, ok := queryTime(r, "date_from"); ok {
			f.DateFrom = t
		}
		if t, ok := queryTime(r, "date_to"); ok {
			f.DateTo = t
		}
		records, err := s.registry.Query(f)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"records": records})
		return
	}

	runs, err := s.registry.ListRuns(limit, source, dsID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.GetRun(r.PathValue("run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source_name")
	if source == "" {
		source = r.URL.Query().Get("source_name")
	}
	rec, err := s.registry.GetLatest(source, queryInt64Ptr(r, "data_source_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.gateway.ListArtifacts(r.PathValue("run_id"), r.PathValue("source"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"artifacts": infos})
}

func (s *Server) artifactJSONHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obj, err := s.gateway.LoadJSON(r.PathValue("run_id"), r.PathValue("source"), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, obj)
	}
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if !artifacts.ValidKind(kind) {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid artifact kind")
		return
	}
	path, contentType, err := s.gateway.ResolveDownload(r.PathValue("run_id"), r.PathValue("source"), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	f, size, err := s.gateway.Open(path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	_, _ = io.Copy(w, f)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.RunStats(queryInt(r, "days", 30), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		bucket = analytics.BucketDay
	}
	points, err := s.analytics.Trends(bucket, queryInt(r, "days", 30), time.Now().UTC())
	if err != nil {
		writeError(w, faults.Payloadf("%v", err))
		return
	}
	writeJSON(w, map[string]any{"bucket": bucket, "points": points})
}

func (s *Server) handleTopRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.analytics.TopRules(queryInt(r, "limit", 10), queryInt(r, "days", 30), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"rules": rules})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func queryInt64Ptr(r *http.Request, key string) *int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func actor(r *http.Request) string {
	if v := r.Header.Get("X-Preflight-Actor"); v != "" {
		return v
	}
	return "api"
}
