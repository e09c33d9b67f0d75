// Package registry is the durable record of every preflight run. One row
// per (run_id, source_name); rows are appended by the preflight runner
// and only ever repaired in place via the composite-key upsert.
package registry

import (
	"time"

	"github.com/marcus-qen/preflightd/internal/faults"
)

// Source names a preflight feed.
const (
	SourceTrain = "train"
	SourceStore = "store"
)

// Preflight modes.
const (
	ModeOff        = "off"
	ModeReportOnly = "report_only"
	ModeEnforce    = "enforce"
)

// Statuses for validation, semantic quality, and the derived final.
const (
	StatusPass    = "PASS"
	StatusWarn    = "WARN"
	StatusFail    = "FAIL"
	StatusSkipped = "SKIPPED"
)

// Record is one preflight result for one source within a run.
type Record struct {
	RunID                string         `json:"run_id"`
	SourceName           string         `json:"source_name"`
	CreatedAt            time.Time      `json:"created_at"`
	Mode                 string         `json:"mode"`
	ValidationStatus     string         `json:"validation_status"`
	SemanticStatus       string         `json:"semantic_status"`
	FinalStatus          string         `json:"final_status"`
	UsedInputPath        string         `json:"used_input_path"`
	UsedUnified          bool           `json:"used_unified"`
	ArtifactDir          string         `json:"artifact_dir,omitempty"`
	ValidationReportPath string         `json:"validation_report_path,omitempty"`
	ManifestPath         string         `json:"manifest_path,omitempty"`
	Summary              map[string]any `json:"summary_json,omitempty"`
	Blocked              bool           `json:"blocked"`
	BlockReason          string         `json:"block_reason,omitempty"`
	DataSourceID         *int64         `json:"data_source_id,omitempty"`
	ContractID           string         `json:"contract_id,omitempty"`
	ContractVersion      string         `json:"contract_version,omitempty"`
}

// Run is the aggregation of a run's member records.
type Run struct {
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	FinalStatus string    `json:"final_status"`
	Blocked     bool      `json:"blocked"`
	Records     []Record  `json:"records"`
}

// Filter narrows queryRuns. Zero-value fields are wildcards.
type Filter struct {
	SourceName   string
	DataSourceID *int64
	Mode         string
	FinalStatus  string
	DateFrom     time.Time
	DateTo       time.Time
	Ascending    bool
	Limit        int
}

// DeriveFinal computes the final status from validation and semantic
// statuses: FAIL dominates, then WARN; SKIPPED only when both skipped.
func DeriveFinal(validation, semantic string) string {
	if validation == StatusFail || semantic == StatusFail {
		return StatusFail
	}
	if validation == StatusWarn || semantic == StatusWarn {
		return StatusWarn
	}
	if validation == StatusSkipped && semantic == StatusSkipped {
		return StatusSkipped
	}
	return StatusPass
}

// statusRank orders statuses FAIL > WARN > PASS > SKIPPED for run
// aggregation.
func statusRank(s string) int {
	switch s {
	case StatusFail:
		return 3
	case StatusWarn:
		return 2
	case StatusPass:
		return 1
	default:
		return 0
	}
}

func validSource(s string) bool { return s == SourceTrain || s == SourceStore }

func validMode(m string) bool { return m == ModeOff || m == ModeReportOnly || m == ModeEnforce }

func validStatus(s string) bool {
	return s == StatusPass || s == StatusWarn || s == StatusFail || s == StatusSkipped
}

// Validate checks enum domains and the blocked invariant before a write.
func (r *Record) Validate() error {
	if r.RunID == "" {
		return faults.Payloadf("run_id is required")
	}
	if !validSource(r.SourceName) {
		return faults.Payloadf("invalid source_name %q", r.SourceName)
	}
	if !validMode(r.Mode) {
		return faults.Payloadf("invalid mode %q", r.Mode)
	}
	if !validStatus(r.ValidationStatus) {
		return faults.Payloadf("invalid validation_status %q", r.ValidationStatus)
	}
	if !validStatus(r.SemanticStatus) {
		return faults.Payloadf("invalid semantic_status %q", r.SemanticStatus)
	}
	if r.Blocked {
		if r.Mode != ModeEnforce {
			return faults.Payloadf("blocked record requires enforce mode, got %q", r.Mode)
		}
		if DeriveFinal(r.ValidationStatus, r.SemanticStatus) != StatusFail {
			return faults.Payloadf("blocked record requires FAIL final status")
		}
	}
	return nil
}
