// Package planio writes the build plan, locked config and build report
// JSON documents atomically, with an optional deterministic mode for
// reproducible byte-identical output across runs.
package planio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/doublemover/kubolti/internal/scheduler"
	"github.com/doublemover/kubolti/internal/tile"
)

// ProvenanceEntry records a single input's fingerprint for drift detection.
type ProvenanceEntry struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Mode        string `json:"mode"` // "basic" (size+mtime) or "strict" (sha256)
}

// DriftFlag notes a pinned dependency whose resolved version differs
// from the version recorded at plan time.
type DriftFlag struct {
	Name     string `json:"name"`
	Pinned   string `json:"pinned"`
	Resolved string `json:"resolved"`
}

// BuildPlan is the pre-run document: inputs, resolved tool commands,
// provenance and drift.
type BuildPlan struct {
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	Tiles       []string          `json:"tiles"`
	ToolCommand []string          `json:"tool_command"`
	Provenance  []ProvenanceEntry `json:"provenance"`
	Drift       []DriftFlag       `json:"drift,omitempty"`
}

// BuildConfigLock is the normalized merge of CLI + config-file inputs,
// suitable for exact replay.
type BuildConfigLock struct {
	Options map[string]interface{} `json:"options"`
}

// TileReport is one tile's entry in the build report.
type TileReport struct {
	Tile            string   `json:"tile"`
	Status          string   `json:"status"`
	BackendCommand  string   `json:"backend_command,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	CoverageBefore  float64  `json:"coverage_before,omitempty"`
	CoverageAfter   float64  `json:"coverage_after,omitempty"`
	EventSummary    string   `json:"event_summary,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// BuildReport is the post-run document.
type BuildReport struct {
	CreatedAt     *time.Time   `json:"created_at,omitempty"`
	OverallStatus string       `json:"overall_status"`
	Tiles         []TileReport `json:"tiles"`
}

// Deterministic, when true, omits created_at/timestamps and writes with
// sorted keys and stable float formatting, so repeated runs with
// identical inputs produce byte-identical output.
type WriteOptions struct {
	Deterministic bool
}

// WritePlan writes plan to <outputDir>/build_plan.json atomically.
func WritePlan(outputDir string, plan BuildPlan, opts WriteOptions) error {
	if opts.Deterministic {
		plan.CreatedAt = nil
		sort.Strings(plan.Tiles)
	}
	return writeJSONAtomic(filepath.Join(outputDir, "build_plan.json"), plan)
}

// WriteConfigLock writes lock to <outputDir>/build_config.lock.json atomically.
func WriteConfigLock(outputDir string, lock BuildConfigLock, opts WriteOptions) error {
	return writeJSONAtomic(filepath.Join(outputDir, "build_config.lock.json"), lock)
}

// WriteReport writes report to <outputDir>/build_report.json atomically.
func WriteReport(outputDir string, report BuildReport, opts WriteOptions) error {
	if opts.Deterministic {
		report.CreatedAt = nil
		for i := range report.Tiles {
			report.Tiles[i].StartedAt = nil
			report.Tiles[i].CompletedAt = nil
		}
		sort.Slice(report.Tiles, func(i, j int) bool { return report.Tiles[i].Tile < report.Tiles[j].Tile })
	}
	return writeJSONAtomic(filepath.Join(outputDir, "build_report.json"), report)
}

// FromTileResults converts scheduler output into report entries,
// computing OverallStatus via the scheduler's own reduction so the two
// never drift out of sync.
func FromTileResults(results []scheduler.TileResult, continueOnError bool) BuildReport {
	report := BuildReport{OverallStatus: string(scheduler.OverallStatus(results, continueOnError))}
	for _, r := range results {
		tr := TileReport{
			Tile:           tileName(r.Tile),
			Status:         string(r.Status),
			Warnings:       r.Warnings,
			BackendCommand: r.BackendCommand,
			EventSummary:   r.EventSummary,
			CoverageBefore: r.CoverageBefore,
			CoverageAfter:  r.CoverageAfter,
			StartedAt:      r.StartedAt,
			CompletedAt:    r.CompletedAt,
		}
		for _, e := range r.Errors {
			tr.Errors = append(tr.Errors, e.Error())
		}
		report.Tiles = append(report.Tiles, tr)
	}
	return report
}

func tileName(t tile.ID) string { return t.Format() }

// writeJSONAtomic marshals v (sorted map keys are Go's json.Marshal
// default for map[string]... values already) to a temp file in the same
// directory as path, then renames it into place so readers never
// observe a partial write.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("planio: create output dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("planio: marshal %q: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("planio: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("planio: rename into place: %w", err)
	}
	return nil
}

// ReadReport loads an existing build_report.json, for resume mode's
// PriorStatus lookups.
func ReadReport(outputDir string) (BuildReport, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, "build_report.json"))
	if err != nil {
		return BuildReport{}, err
	}
	var report BuildReport
	if err := json.Unmarshal(data, &report); err != nil {
		return BuildReport{}, fmt.Errorf("planio: parse build_report.json: %w", err)
	}
	return report, nil
}

// PriorStatusFunc adapts a loaded report into the scheduler's
// PriorStatus lookup closure.
func PriorStatusFunc(report BuildReport) func(t tile.ID) (scheduler.Status, bool) {
	byTile := make(map[string]scheduler.Status, len(report.Tiles))
	for _, tr := range report.Tiles {
		byTile[tr.Tile] = scheduler.Status(tr.Status)
	}
	return func(t tile.ID) (scheduler.Status, bool) {
		s, ok := byTile[t.Format()]
		return s, ok
	}
}
