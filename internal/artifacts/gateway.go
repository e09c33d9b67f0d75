// Package artifacts resolves and streams the files a preflight record
// points at. Every resolution is confined twice: the record's artifact
// directory must live under the configured root, and every candidate
// file must live under both.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/registry"
	"go.uber.org/zap"
)

// Artifact kinds served by the gateway.
const (
	KindValidation = "validation"
	KindSemantic   = "semantic"
	KindManifest   = "manifest"
	KindPreflight  = "preflight"
	KindUnifiedCSV = "unified_csv"
)

// Kinds lists every supported artifact kind.
var Kinds = []string{KindValidation, KindSemantic, KindManifest, KindPreflight, KindUnifiedCSV}

// Conventional filenames looked up inside the artifact directory when the
// record and its summary carry no explicit path for a kind.
var wellKnownNames = map[string]string{
	KindValidation: "validation_report.json",
	KindSemantic:   "semantic_quality_report.json",
	KindManifest:   "manifest.json",
	KindPreflight:  "preflight_summary.json",
	KindUnifiedCSV: "unified.csv",
}

const defaultMaxFileSizeMB = 64

// Info describes one resolvable artifact.
type Info struct {
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Gateway serves artifact files referenced by registry records.
type Gateway struct {
	registry      *registry.Store
	root          string
	maxFileSizeMB int64
	logger        *zap.Logger
}

// NewGateway creates a gateway rooted at allowedRoot. maxFileSizeMB <= 0
// selects the default bound.
func NewGateway(reg *registry.Store, allowedRoot string, maxFileSizeMB int64, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFileSizeMB <= 0 {
		maxFileSizeMB = defaultMaxFileSizeMB
	}
	return &Gateway{registry: reg, root: allowedRoot, maxFileSizeMB: maxFileSizeMB, logger: logger}
}

// ContentType returns the response content type for a kind.
func ContentType(kind string) string {
	if kind == KindUnifiedCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// ValidKind reports whether kind is a supported artifact kind.
func ValidKind(kind string) bool {
	_, ok := wellKnownNames[kind]
	return ok
}

// ListArtifacts reports which kinds resolve to an existing file for the
// record, sorted by kind.
func (g *Gateway) ListArtifacts(runID, sourceName string) ([]Info, error) {
	rec, dir, err := g.confinedRecord(runID, sourceName)
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(Kinds))
	for _, kind := range Kinds {
		path, err := g.resolve(rec, dir, kind)
		if err != nil {
			if faults.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, Info{Kind: kind, Path: path, SizeBytes: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// LoadJSON loads an artifact as a JSON object. For the semantic kind,
// when no standalone report exists, it falls back to the nested
// semantic_quality block of the manifest, then the semantic block of the
// preflight summary.
func (g *Gateway) LoadJSON(runID, sourceName, kind string) (map[string]any, error) {
	if !ValidKind(kind) {
		return nil, faults.Payloadf("invalid artifact kind %q", kind)
	}
	if kind == KindUnifiedCSV {
		return nil, faults.Payloadf("artifact kind %q is not JSON", kind)
	}

	rec, dir, err := g.confinedRecord(runID, sourceName)
	if err != nil {
		return nil, err
	}

	path, err := g.resolve(rec, dir, kind)
	if err == nil {
		return g.readObject(path)
	}
	if !faults.IsNotFound(err) || kind != KindSemantic {
		return nil, err
	}

	// Semantic fallback chain: manifest semantic_quality, then the
	// preflight summary's semantic block.
	if path, merr := g.resolve(rec, dir, KindManifest); merr == nil {
		if obj, oerr := g.readObject(path); oerr == nil {
			if nested, ok := obj["semantic_quality"].(map[string]any); ok {
				return nested, nil
			}
		}
	}
	if path, perr := g.resolve(rec, dir, KindPreflight); perr == nil {
		if obj, oerr := g.readObject(path); oerr == nil {
			if nested, ok := obj["semantic"].(map[string]any); ok {
				return nested, nil
			}
		}
	}
	return nil, faults.NotFoundf("semantic artifact not found for run %s source %s", runID, sourceName)
}

// ResolveDownload resolves an artifact for streaming and returns its
// confined path and content type.
func (g *Gateway) ResolveDownload(runID, sourceName, kind string) (string, string, error) {
	if !ValidKind(kind) {
		return "", "", faults.Payloadf("invalid artifact kind %q", kind)
	}
	rec, dir, err := g.confinedRecord(runID, sourceName)
	if err != nil {
		return "", "", err
	}
	path, err := g.resolve(rec, dir, kind)
	if err != nil {
		return "", "", err
	}
	return path, ContentType(kind), nil
}

// Open opens a previously resolved artifact for streaming, bounded by
// the configured size limit.
func (g *Gateway) Open(path string) (io.ReadCloser, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, faults.NotFoundf("artifact file missing")
	}
	limit := g.maxFileSizeMB * 1024 * 1024
	if fi.Size() > limit {
		return nil, 0, faults.Payloadf("artifact exceeds %d MB limit", g.maxFileSizeMB)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	return f, fi.Size(), nil
}

// RuleFailures loads each record's semantic artifact and accumulates
// per-rule failure counts. Records without a semantic artifact are
// skipped. Shared by the alert engine and analytics.
func (g *Gateway) RuleFailures(records []registry.Record) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		obj, err := g.LoadJSON(rec.RunID, rec.SourceName, KindSemantic)
		if err != nil {
			continue
		}
		accumulateRuleFailures(obj, counts)
	}
	return counts
}

// accumulateRuleFailures walks a semantic report's rules block. Rules
// appear as a list of {rule_id, status} objects; a FAIL status counts
// one failure, an explicit fail_count overrides.
func accumulateRuleFailures(report map[string]any, counts map[string]int) {
	rules, ok := report["rules"].([]any)
	if !ok {
		return
	}
	for _, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := rule["rule_id"].(string)
		if id == "" {
			continue
		}
		if fc, ok := rule["fail_count"].(float64); ok {
			counts[id] += int(fc)
			continue
		}
		if status, _ := rule["status"].(string); status == registry.StatusFail {
			counts[id]++
		}
	}
}

// confinedRecord loads the record and confines its artifact directory
// under the allowed root.
func (g *Gateway) confinedRecord(runID, sourceName string) (*registry.Record, string, error) {
	rec, err := g.registry.GetRecord(runID, sourceName)
	if err != nil {
		return nil, "", err
	}
	if rec.ArtifactDir == "" {
		return nil, "", faults.NotFoundf("run %s source %s has no artifact directory", runID, sourceName)
	}

	root, err := canonical(g.root)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalise artifact root: %w", err)
	}
	dir, err := canonical(rec.ArtifactDir)
	if err != nil {
		return nil, "", faults.Accessf("artifact directory is not resolvable")
	}
	if !isDescendant(root, dir) {
		g.logger.Warn("artifact directory escapes allowed root",
			zap.String("run_id", runID),
			zap.String("source_name", sourceName),
		)
		return nil, "", faults.Accessf("artifact directory outside allowed root")
	}
	return rec, dir, nil
}

// resolve returns the first confined, existing regular file among the
// kind's candidates.
func (g *Gateway) resolve(rec *registry.Record, dir, kind string) (string, error) {
	root, err := canonical(g.root)
	if err != nil {
		return "", fmt.Errorf("canonicalise artifact root: %w", err)
	}

	seen := make(map[string]struct{})
	for _, candidate := range g.candidates(rec, dir, kind) {
		path, err := canonical(candidate)
		if err != nil {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}

		if !isDescendant(dir, path) || !isDescendant(root, path) {
			return "", faults.Accessf("artifact path outside allowed root")
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		return path, nil
	}
	return "", faults.NotFoundf("%s artifact not found for run %s source %s", kind, rec.RunID, rec.SourceName)
}

// candidates builds the ordered candidate paths for a kind: the record's
// explicit field, then summary_json.paths, then the well-known filename.
func (g *Gateway) candidates(rec *registry.Record, dir, kind string) []string {
	var out []string
	switch kind {
	case KindValidation:
		if rec.ValidationReportPath != "" {
			out = append(out, absolutize(dir, rec.ValidationReportPath))
		}
	case KindManifest:
		if rec.ManifestPath != "" {
			out = append(out, absolutize(dir, rec.ManifestPath))
		}
	}
	if paths, ok := rec.Summary["paths"].(map[string]any); ok {
		if p, ok := paths[kind].(string); ok && p != "" {
			out = append(out, absolutize(dir, p))
		}
	}
	out = append(out, filepath.Join(dir, wellKnownNames[kind]))
	return out
}

func absolutize(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (g *Gateway) readObject(path string) (map[string]any, error) {
	f, _, err := g.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, g.maxFileSizeMB*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, faults.Payloadf("artifact is not valid JSON: %v", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, faults.Payloadf("artifact root is not a JSON object")
	}
	return obj, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return filepath.Clean(resolved), nil
	}
	// Path may not exist yet; the cleaned absolute form still supports
	// the descendant check.
	return abs, nil
}

func isDescendant(scope, path string) bool {
	rel, err := filepath.Rel(scope, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
