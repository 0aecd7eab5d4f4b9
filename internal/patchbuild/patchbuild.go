// Package patchbuild rebuilds a narrow set of tiles against a patch DEM
// layered over the existing DEM stack, reusing the normalization cache
// for every tile the patch plan does not touch.
package patchbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/doublemover/kubolti/internal/blend"
	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/scheduler"
	"github.com/doublemover/kubolti/internal/tile"
)

// PatchEntry is one tile targeted by a patch plan. AOI, when set, is a
// path to a GeoJSON polygon feature restricting where the patch DEM
// applies.
type PatchEntry struct {
	Tile   string   `json:"tile"`
	DEM    string   `json:"dem"`
	AOI    string   `json:"aoi,omitempty"`
	Nodata *float64 `json:"nodata,omitempty"`
}

// loadAOI parses a GeoJSON polygon feature from path.
func loadAOI(path string) (*orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patchbuild: read AOI %q: %w", path, err)
	}
	feature, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, fmt.Errorf("patchbuild: parse AOI %q: %w", path, err)
	}
	poly, ok := feature.Geometry.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("patchbuild: AOI %q is not a polygon feature", path)
	}
	return &poly, nil
}

// Plan is the patch plan input document.
type Plan struct {
	SchemaVersion int          `json:"schema_version"`
	Patches       []PatchEntry `json:"patches"`
}

// LoadPlan reads a patch plan JSON document from path.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("patchbuild: read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("patchbuild: parse plan: %w", err)
	}
	return plan, nil
}

// PatchReportEntry records one patched tile's outcome.
type PatchReportEntry struct {
	Tile   string `json:"tile"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PatchReport is the output of a patch rebuild run.
type PatchReport struct {
	Entries []PatchReportEntry `json:"entries"`
}

// BaseLayers resolves the existing DEM stack layers for a tile, prior to
// the patch layer being added on top. Callers provide this because the
// base stack composition lives with the build's own DEM-stack input,
// not with the patch plan.
type BaseLayers func(t tile.ID) ([]blend.Layer, error)

// NormalizeFunc runs normalization for a single tile given its full
// layer stack (base layers plus the patch layer), writing the result
// under outputRoot. It mirrors the signature the main build pipeline
// uses so patch rebuilds exercise the identical normalization path.
type NormalizeFunc func(ctx context.Context, t tile.ID, layers []blend.Layer, outputRoot string) error

// Run executes a patch plan: for each entry, build the transient layer
// stack (patch DEM as highest priority) and re-normalize only that
// tile, writing into a separate patched output tree. Peer tiles outside
// the plan are untouched and their cache entries are reused as-is.
func Run(ctx context.Context, plan Plan, baseLayers BaseLayers, normalize NormalizeFunc, patchedRoot string) (PatchReport, error) {
	report := PatchReport{}

	for _, entry := range plan.Patches {
		t, err := tile.Parse(entry.Tile)
		if err != nil {
			report.Entries = append(report.Entries, PatchReportEntry{
				Tile: entry.Tile, Status: string(scheduler.StatusError),
				Error: fmt.Sprintf("invalid tile id: %v", err),
			})
			continue
		}

		base, err := baseLayers(t)
		if err != nil {
			report.Entries = append(report.Entries, PatchReportEntry{
				Tile: entry.Tile, Status: string(scheduler.StatusError),
				Error: fmt.Sprintf("resolve base layers: %v", err),
			})
			continue
		}

		highestPriority := 0
		for _, l := range base {
			if l.Priority > highestPriority {
				highestPriority = l.Priority
			}
		}

		var aoi *orb.Polygon
		if entry.AOI != "" {
			var err error
			aoi, err = loadAOI(entry.AOI)
			if err != nil {
				report.Entries = append(report.Entries, PatchReportEntry{
					Tile: entry.Tile, Status: string(scheduler.StatusError), Error: err.Error(),
				})
				continue
			}
		}

		patchLayer := blend.Layer{
			Path:     entry.DEM,
			Priority: highestPriority + 1,
			AOI:      aoi,
			Nodata:   entry.Nodata,
		}
		layers := append(append([]blend.Layer{}, base...), patchLayer)

		if err := blend.ValidateLayers(layers, entry.Nodata); err != nil {
			report.Entries = append(report.Entries, PatchReportEntry{
				Tile: entry.Tile, Status: string(scheduler.StatusError),
				Error: fmt.Sprintf("invalid patch layer stack: %v", err),
			})
			continue
		}

		if err := normalize(ctx, t, layers, patchedRoot); err != nil {
			be := kerr.ForTile(kerr.NormalizationFailure, t.Format(), "patch normalization failed", err)
			report.Entries = append(report.Entries, PatchReportEntry{
				Tile: entry.Tile, Status: string(scheduler.StatusError), Error: be.Error(),
			})
			continue
		}

		report.Entries = append(report.Entries, PatchReportEntry{
			Tile: entry.Tile, Status: string(scheduler.StatusOK),
		})
	}

	return report, nil
}

// WriteReport writes the patch report to <patchedRoot>/patch_report.json.
func WriteReport(patchedRoot string, report PatchReport) error {
	if err := os.MkdirAll(patchedRoot, 0o755); err != nil {
		return fmt.Errorf("patchbuild: create patched root: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("patchbuild: marshal report: %w", err)
	}
	path := filepath.Join(patchedRoot, "patch_report.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("patchbuild: write temp report: %w", err)
	}
	return os.Rename(tmp, path)
}
