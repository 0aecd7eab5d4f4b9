package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/doublemover/kubolti/internal/blend"
	"github.com/doublemover/kubolti/internal/events"
	"github.com/doublemover/kubolti/internal/runner"
)

func TestLoadStackParsesLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.json")
	content := `{"layers":[{"path":"srtm.tif","priority":1},{"path":"lidar.tif","priority":2}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadStack(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Layers) != 2 || plan.Layers[1].Priority != 2 {
		t.Errorf("plan = %+v", plan)
	}

	layers, err := plan.ToLayers()
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 2 || layers[0].Path != "srtm.tif" {
		t.Errorf("layers = %+v", layers)
	}
}

func TestAOIFingerprintReflectsPresence(t *testing.T) {
	if got := aoiFingerprint(nil); got != "none" {
		t.Errorf("aoiFingerprint(nil) = %q, want none", got)
	}
	aoi := orb.Polygon{orb.Ring{{0, 0}, {0, 1}, {1, 1}, {0, 0}}}
	layers := []blend.Layer{{Path: "a.tif"}, {Path: "b.tif", AOI: &aoi}}
	if got := aoiFingerprint(layers); got != "present" {
		t.Errorf("aoiFingerprint(with AOI) = %q, want present", got)
	}
}

func TestFingerprintFileIncludesSizeAndPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.tif")
	if err := os.WriteFile(path, []byte("abcd"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp, err := fingerprintFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fp == "" {
		t.Error("expected non-empty fingerprint")
	}

	if _, err := fingerprintFile(filepath.Join(dir, "missing.tif")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEventSummaryTalliesKindsAcrossAttempts(t *testing.T) {
	outcome := runner.Outcome{
		Attempts: 2,
		AttemptLogs: []runner.AttemptLog{
			{Events: []events.Event{{Kind: events.KindStep1}, {Kind: events.KindTriangleFail}}},
			{Events: []events.Event{{Kind: events.KindTriangleFail}, {Kind: events.KindOverlay}}},
		},
	}
	got := eventSummary(outcome)
	if !strings.HasPrefix(got, "2 attempt(s): ") {
		t.Errorf("eventSummary = %q, want 2 attempt(s) prefix", got)
	}
	if !strings.Contains(got, "triangle_fail=2") {
		t.Errorf("eventSummary = %q, want triangle_fail=2", got)
	}
}

func TestEventSummaryNoEvents(t *testing.T) {
	got := eventSummary(runner.Outcome{Attempts: 1})
	if got != "1 attempt(s), no events" {
		t.Errorf("eventSummary = %q", got)
	}
}

func TestSampleGridTreatsNodataAsUnset(t *testing.T) {
	data := []float64{1, 2, -9999, 4}
	sample := sampleGrid(data, 2, -9999)

	if v, ok := sample(0, 0); !ok || v != 1 {
		t.Errorf("sample(0,0) = %v, %v", v, ok)
	}
	if _, ok := sample(0, 1); ok {
		t.Error("sample at nodata pixel should report ok=false")
	}
}
