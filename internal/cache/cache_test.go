package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doublemover/kubolti/internal/tile"
)

func sampleInputs() KeyInputs {
	return KeyInputs{
		DEMFingerprints: []string{"a:1000:123", "b:2000:456"},
		TargetCRS:       "EPSG:4326",
		ResolutionDeg:   1.0 / 3600,
		Resampling:      "bilinear",
		NodataPolicy:    "nan",
		FillStrategy:    "interpolate",
		AOIFingerprint:  "",
		Tile:            tile.ID{Lat: 47, Lon: 8},
	}
}

func TestKeyStableAcrossCalls(t *testing.T) {
	in := sampleInputs()
	k1 := Key(in)
	k2 := Key(in)
	if k1 != k2 {
		t.Errorf("Key not stable: %q != %q", k1, k2)
	}
}

func TestKeyChangesWithInputs(t *testing.T) {
	in1 := sampleInputs()
	in2 := sampleInputs()
	in2.ResolutionDeg = 1.0 / 1200
	if Key(in1) == Key(in2) {
		t.Error("Key should differ when resolution differs")
	}
}

func TestDirNameDeterministic(t *testing.T) {
	key := Key(sampleInputs())
	if DirName(key) != DirName(key) {
		t.Error("DirName should be deterministic for the same key")
	}
}

func TestLookupMissThenHit(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	key := Key(sampleInputs())
	id := tile.ID{Lat: 47, Lon: 8}

	_, hit, err := c.Lookup(key, id, VerifyFingerprintOnly)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected miss before artifact is written")
	}

	path := c.ArtifactPath(key, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("fake tiff bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, hit, err := c.Lookup(key, id, VerifyFingerprintOnly)
	if err != nil {
		t.Fatal(err)
	}
	if !hit || got != path {
		t.Errorf("Lookup = (%q, %v), want (%q, true)", got, hit, path)
	}
}

func TestCleanEvictsOldestFirst(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	mkEntry := func(name string, age time.Duration, size int) string {
		dir := filepath.Join(root, "ab", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		f := filepath.Join(dir, "data.tif")
		if err := os.WriteFile(f, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-age)
		os.Chtimes(f, old, old)
		return dir
	}

	oldDir := mkEntry("old-entry", 2*time.Hour, 1000)
	newDir := mkEntry("new-entry", time.Minute, 1000)

	evicted, err := c.Clean(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != oldDir {
		t.Errorf("evicted = %v, want [%q]", evicted, oldDir)
	}
	if _, err := os.Stat(newDir); err != nil {
		t.Errorf("newer entry should survive: %v", err)
	}
}

func TestNormalizeDedupsConcurrentCallers(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	fn := func() (string, error) {
		calls++
		return "result", nil
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			c.Normalize("same-key", fn)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if calls == 0 {
		t.Error("expected at least one call")
	}
}
