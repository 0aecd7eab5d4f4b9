package planio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/scheduler"
	"github.com/doublemover/kubolti/internal/tile"
)

func TestWriteReportAtomicAndDeterministic(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	report := BuildReport{
		CreatedAt:     &now,
		OverallStatus: "ok",
		Tiles: []TileReport{
			{Tile: "+47+008", Status: "ok", StartedAt: &now, CompletedAt: &now},
		},
	}

	if err := WriteReport(dir, report, WriteOptions{Deterministic: true}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "build_report.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got BuildReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.CreatedAt != nil {
		t.Error("deterministic mode should omit created_at")
	}
	if got.Tiles[0].StartedAt != nil {
		t.Error("deterministic mode should omit started_at")
	}
}

func TestWriteReportNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	if err := WriteReport(dir, BuildReport{OverallStatus: "ok"}, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "build_report.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after atomic write")
	}
}

func TestFromTileResultsComputesOverallStatus(t *testing.T) {
	results := []scheduler.TileResult{
		{Tile: tile.ID{Lat: 1, Lon: 1}, Status: scheduler.StatusOK},
		{Tile: tile.ID{Lat: 2, Lon: 2}, Status: scheduler.StatusError, Errors: []*kerr.BuildError{
			kerr.ForTile(kerr.NormalizationFailure, "+02+002", "warp failed", nil),
		}},
	}
	report := FromTileResults(results, true)
	if report.OverallStatus != "partial" {
		t.Errorf("OverallStatus = %q, want partial", report.OverallStatus)
	}
	if len(report.Tiles) != 2 {
		t.Fatalf("got %d tile reports, want 2", len(report.Tiles))
	}
}

func TestFromTileResultsThreadsBackendAndCoverageFields(t *testing.T) {
	results := []scheduler.TileResult{
		{
			Tile:           tile.ID{Lat: 1, Lon: 1},
			Status:         scheduler.StatusOK,
			BackendCommand: "ortho4xp.py +01+001",
			EventSummary:   "1 attempt(s): step1=1",
			CoverageBefore: 0.80,
			CoverageAfter:  0.99,
		},
	}
	report := FromTileResults(results, true)
	tr := report.Tiles[0]
	if tr.BackendCommand != "ortho4xp.py +01+001" {
		t.Errorf("BackendCommand = %q", tr.BackendCommand)
	}
	if tr.EventSummary != "1 attempt(s): step1=1" {
		t.Errorf("EventSummary = %q", tr.EventSummary)
	}
	if tr.CoverageBefore != 0.80 || tr.CoverageAfter != 0.99 {
		t.Errorf("coverage = (%v, %v)", tr.CoverageBefore, tr.CoverageAfter)
	}
}

func TestReadReportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	report := BuildReport{OverallStatus: "ok", Tiles: []TileReport{{Tile: "+47+008", Status: "ok"}}}
	if err := WriteReport(dir, report, WriteOptions{Deterministic: true}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadReport(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.OverallStatus != "ok" || len(got.Tiles) != 1 {
		t.Errorf("ReadReport = %+v", got)
	}
}

func TestPriorStatusFuncLooksUpByTileName(t *testing.T) {
	report := BuildReport{Tiles: []TileReport{{Tile: "+47+008", Status: "ok"}}}
	fn := PriorStatusFunc(report)
	status, ok := fn(tile.ID{Lat: 47, Lon: 8})
	if !ok || status != scheduler.StatusOK {
		t.Errorf("PriorStatusFunc = (%q, %v), want (ok, true)", status, ok)
	}
	_, ok = fn(tile.ID{Lat: 1, Lon: 1})
	if ok {
		t.Error("expected miss for unknown tile")
	}
}
