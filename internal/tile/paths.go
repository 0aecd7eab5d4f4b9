package tile

import (
	"fmt"
	"path/filepath"
)

// DSFPath returns root/"Earth nav data"/<bucket>/<tile>.dsf. All DSF path
// construction in this repo must flow through here; no string-splicing
// elsewhere.
func DSFPath(root string, t ID) string {
	return filepath.Join(root, "Earth nav data", BucketOf(t).Format(), t.Format()+".dsf")
}

// ElevationPath returns root/"Elevation_data"/<bucket>/<hgt-name>, where
// the filename uses cardinal-letter encoding (N47E008) rather than the
// signed tile name, matching the external mesh backend's staging
// convention.
func ElevationPath(root string, t ID, ext string) string {
	return filepath.Join(root, "Elevation_data", BucketOf(t).Format(), HGTName(t)+ext)
}

// HGTName renders the cardinal-letter tile name the external backend
// expects for staged elevation data, e.g. HGTName(ID{47, 8}) == "N47E008".
func HGTName(t ID) string {
	latDir, lonDir := "N", "E"
	lat, lon := t.Lat, t.Lon
	if lat < 0 {
		latDir = "S"
		lat = -lat
	}
	if lon < 0 {
		lonDir = "W"
		lon = -lon
	}
	return fmt.Sprintf("%s%02d%s%03d", latDir, lat, lonDir, lon)
}

// NormalizedArtifactPath returns output/normalized/tiles/<tile>/<tile>.tif,
// the canonical location for the normalized per-tile GeoTIFF (§3).
func NormalizedArtifactPath(output string, t ID) string {
	name := t.Format()
	return filepath.Join(output, "normalized", "tiles", name, name+".tif")
}

// RunnerLogPath returns output/runner_logs/<tile>.<suffix>, e.g. suffix
// "run.log", "stdout.log", "events.json", "config.json".
func RunnerLogPath(output string, t ID, suffix string) string {
	return filepath.Join(output, "runner_logs", t.Format()+"."+suffix)
}
