package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doublemover/kubolti/internal/events"
	"github.com/doublemover/kubolti/internal/tile"
)

// TestConfigRestoreWhenAbsent is scenario S4: the config file is absent
// before the run, gets patched, and must be absent again afterward.
func TestConfigRestoreWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "Ortho4XP.cfg")

	snap, err := Snapshot(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Existed {
		t.Fatal("expected config to not exist yet")
	}

	if err := Patch(cfgPath, []byte("min_angle=5\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("patched config should exist: %v", err)
	}

	if err := Restore(snap); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Errorf("config should be absent after restore, stat err = %v", err)
	}
}

func TestConfigRestoreWhenPresent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "Ortho4XP.cfg")
	original := []byte("min_angle=15\ndensity=normal\n")
	if err := os.WriteFile(cfgPath, original, 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := Snapshot(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Existed {
		t.Fatal("expected config to exist")
	}

	if err := Patch(cfgPath, []byte("min_angle=5\n")); err != nil {
		t.Fatal(err)
	}
	if err := Restore(snap); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("restored config = %q, want %q", got, original)
	}
}

func TestRingBufferKeepsHeadAndTail(t *testing.T) {
	rb := newRingBuffer(3, 3)
	for i := 0; i < 20; i++ {
		rb.Add(string(rune('a' + i%26)))
	}
	lines := rb.Lines()
	if len(lines) == 0 {
		t.Fatal("expected some lines")
	}
	if len(lines) > 3+3+1 {
		t.Errorf("ring buffer grew unbounded: %d lines", len(lines))
	}
}

func TestPatchConfigValueRewritesExistingKey(t *testing.T) {
	got := PatchConfigValue([]byte("min_angle=15\ndensity=normal\n"), "min_angle", "5")
	want := "min_angle=5\ndensity=normal\n"
	if string(got) != want {
		t.Errorf("PatchConfigValue = %q, want %q", got, want)
	}
}

func TestPatchConfigValueAppendsMissingKey(t *testing.T) {
	got := PatchConfigValue([]byte("density=normal\n"), "min_angle", "5")
	if !strings.Contains(string(got), "min_angle=5") {
		t.Errorf("PatchConfigValue = %q, want min_angle=5 appended", got)
	}
}

func TestPatchConfigValueOnEmptyContent(t *testing.T) {
	got := PatchConfigValue(nil, "lat", "47")
	if string(got) != "lat=47\n" {
		t.Errorf("PatchConfigValue(nil) = %q, want lat=47\\n", got)
	}
}

func TestBuildConfigPatchSetsTileAnchorAndDensity(t *testing.T) {
	id := tile.ID{Lat: 47, Lon: 8}
	got := string(BuildConfigPatch(nil, id, 1.0/10800))
	for _, want := range []string{"lat=47", "lon=8", "default_zl=19"} {
		if !strings.Contains(got, want) {
			t.Errorf("BuildConfigPatch = %q, want to contain %q", got, want)
		}
	}
}

func TestDensityZoomForTiersByResolution(t *testing.T) {
	cases := []struct {
		resolutionDeg float64
		want          int
	}{
		{1.0 / 10800, 19},
		{1.0 / 3600, 18},
		{1.0 / 1200, 17},
	}
	for _, c := range cases {
		if got := densityZoomFor(c.resolutionDeg); got != c.want {
			t.Errorf("densityZoomFor(%v) = %d, want %d", c.resolutionDeg, got, c.want)
		}
	}
}

func TestLowerMinAngleTrimsTrailingZeros(t *testing.T) {
	got := string(LowerMinAngle(nil, 10))
	if !strings.Contains(got, "min_angle=10\n") {
		t.Errorf("LowerMinAngle = %q, want min_angle=10", got)
	}
}

func TestDefaultTriangulationLadderAppliesDescendingAngles(t *testing.T) {
	var angles []float64
	ladder := DefaultTriangulationLadder(func(content []byte, angle float64) []byte {
		angles = append(angles, angle)
		return content
	})
	if len(ladder) != 3 {
		t.Fatalf("got %d steps, want 3", len(ladder))
	}
	for _, step := range ladder {
		step.Patch(nil)
	}
	if len(angles) != 2 || angles[0] != 10 || angles[1] != 5 {
		t.Errorf("angles applied = %v, want [10 5]", angles)
	}
}

func TestPersistLogsWritesEventAndConfigDocs(t *testing.T) {
	dir := t.TempDir()
	id := tile.ID{Lat: 47, Lon: 8}
	outcome := Outcome{
		Attempts: 1,
		Command:  "python3 Ortho4XP.py +47+008",
		AttemptLogs: []AttemptLog{
			{Command: "python3 Ortho4XP.py +47+008", Events: []events.Event{{Kind: events.KindStep1, LineNo: 1}}},
		},
	}
	opts := Options{Command: []string{"python3", "Ortho4XP.py"}, ConfigPath: filepath.Join(dir, "Ortho4XP.cfg")}
	if err := os.WriteFile(opts.ConfigPath, []byte("min_angle=5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := persistLogs(dir, id, opts, []string{"lower min triangulation angle to 10"}, outcome); err != nil {
		t.Fatal(err)
	}

	eventsPath := tile.RunnerLogPath(dir, id, "events.json")
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatal(err)
	}
	var doc eventLogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.SchemaVersion != eventLogSchemaVersion || doc.Tile != id.Format() || len(doc.Attempts) != 1 {
		t.Errorf("events doc = %+v", doc)
	}

	cfgData, err := os.ReadFile(tile.RunnerLogPath(dir, id, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var cfgDoc configLogDoc
	if err := json.Unmarshal(cfgData, &cfgDoc); err != nil {
		t.Fatal(err)
	}
	if cfgDoc.InitialContent != "min_angle=5\n" || len(cfgDoc.AppliedSteps) != 1 {
		t.Errorf("config doc = %+v", cfgDoc)
	}
}

// TestRunNoOutputWatchdogRetriesAndGivesUp is scenario S5: a backend
// that goes quiet past NoOutputWindow gets killed and retried through
// the ladder, then reported as a transient final failure once the
// ladder and retry budget are exhausted.
func TestRunNoOutputWatchdogRetriesAndGivesUp(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	opts := Options{
		Command:        []string{"/bin/sh", "-c", "echo starting; sleep 5"},
		NoOutputWindow: 50 * time.Millisecond,
		GracePeriod:    20 * time.Millisecond,
		MaxRetries:     1,
		RetryLadder:    []RetryStep{{Description: "retry once", Patch: func(c []byte) []byte { return c }}},
		LogDir:         dir,
	}

	start := time.Now()
	outcome := Run(context.Background(), tile.ID{Lat: 47, Lon: 8}, opts)
	if time.Since(start) > 5*time.Second {
		t.Fatal("watchdog did not cut the stalled attempt short")
	}
	if outcome.FinalError == nil {
		t.Fatal("expected a final error after the retry ladder is exhausted")
	}
	if outcome.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (initial + one retry)", outcome.Attempts)
	}
	if !strings.Contains(outcome.FinalError.Error(), "no output within") {
		t.Errorf("FinalError = %v, want it to mention the watchdog", outcome.FinalError)
	}

	if _, err := os.Stat(tile.RunnerLogPath(dir, tile.ID{Lat: 47, Lon: 8}, "events.json")); err != nil {
		t.Errorf("expected persisted events.json: %v", err)
	}
}

func TestStagePathRemovesStaleExtensions(t *testing.T) {
	dir := t.TempDir()
	id := tile.ID{Lat: 47, Lon: 8}
	bucketDir := filepath.Dir(tile.ElevationPath(dir, id, ".tif"))
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(bucketDir, "N47E008.hgt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := StagePath(dir, id, ".tif", []string{".hgt", ".tif", ".raw"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "N47E008.tif" {
		t.Errorf("StagePath = %q, want basename N47E008.tif", path)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale .hgt file should have been removed, stat err = %v", err)
	}
}
