// Package crs performs axis-order-safe coordinate transforms between the
// canonical EPSG:4326 tile grid and arbitrary source/target CRSes, and
// rejects target CRSes the build pipeline cannot honor.
package crs

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/godal"
)

// WGS84 is the authority code this engine's tile grid is always expressed in.
const WGS84 = "EPSG:4326"

// Bounds is a traditional-GIS-order (x=lon, y=lat) bounding box.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// UnsupportedTargetCRSError is returned by RejectUnsupported when the
// requested target CRS cannot back the engine's degree-only tile grid.
type UnsupportedTargetCRSError struct {
	Target string
	Reason string
}

func (e *UnsupportedTargetCRSError) Error() string {
	return fmt.Sprintf("unsupported target CRS %q: %s", e.Target, e.Reason)
}

// RejectUnsupported fails fast when target is a projected CRS. The
// backend contract is EPSG:4326 tile bounds: tile-grid arithmetic
// throughout this engine (internal/tile) is degree-only, so accepting a
// projected target and transforming bounds after the fact would
// desynchronize tile math from the actual warped extent (see
// SPEC_FULL.md open question #2). Geographic targets (4326 or any CRS
// whose root EPSG is a known geographic one) are accepted.
func RejectUnsupported(target string) error {
	norm := normalizeEPSG(target)
	if norm == "" {
		return &UnsupportedTargetCRSError{Target: target, Reason: "could not resolve an EPSG code"}
	}
	if norm == "4326" {
		return nil
	}

	sr, err := godal.NewSpatialRefFromEPSG(mustAtoi(norm))
	if err != nil {
		return &UnsupportedTargetCRSError{Target: target, Reason: fmt.Sprintf("unknown CRS: %v", err)}
	}
	defer sr.Close()

	if sr.Semantics() == godal.SemanticsProjected {
		return &UnsupportedTargetCRSError{Target: target, Reason: "projected CRS; tile grid is degree-only"}
	}
	return nil
}

// TransformBounds reprojects bounds from src to dst, preserving
// traditional GIS axis order (x=lon, y=lat) regardless of what the
// authority's axis-order convention says — several EPSG geographic
// CRSes declare lat,lon axis order, and GDAL respects that by default
// unless told otherwise, which silently swaps x/y. This always asks for
// OAMS_TRADITIONAL_GIS_ORDER before running the transform.
func TransformBounds(srcCRS, dstCRS string, b Bounds) (Bounds, error) {
	src, err := spatialRefTraditional(srcCRS)
	if err != nil {
		return Bounds{}, fmt.Errorf("source CRS %q: %w", srcCRS, err)
	}
	defer src.Close()

	dst, err := spatialRefTraditional(dstCRS)
	if err != nil {
		return Bounds{}, fmt.Errorf("target CRS %q: %w", dstCRS, err)
	}
	defer dst.Close()

	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		return Bounds{}, fmt.Errorf("create transform %s -> %s: %w", srcCRS, dstCRS, err)
	}
	defer tr.Close()

	xs := []float64{b.MinX, b.MaxX}
	ys := []float64{b.MinY, b.MaxY}
	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return Bounds{}, fmt.Errorf("transform bounds: %w", err)
	}

	out := Bounds{MinX: xs[0], MinY: ys[0], MaxX: xs[1], MaxY: ys[1]}
	if out.MinX > out.MaxX {
		out.MinX, out.MaxX = out.MaxX, out.MinX
	}
	if out.MinY > out.MaxY {
		out.MinY, out.MaxY = out.MaxY, out.MinY
	}
	return out, nil
}

func spatialRefTraditional(crs string) (*godal.SpatialRef, error) {
	norm := normalizeEPSG(crs)
	if norm == "" {
		return nil, fmt.Errorf("could not resolve EPSG code from %q", crs)
	}
	sr, err := godal.NewSpatialRefFromEPSG(mustAtoi(norm))
	if err != nil {
		return nil, err
	}
	sr.SetCoordinateOutputOrder(godal.OCTOAMSTraditionalGISOrder)
	return sr, nil
}

// normalizeEPSG extracts a bare numeric EPSG code from inputs like
// "EPSG:4326", "epsg:4326" or "4326". Returns "" if none can be found.
func normalizeEPSG(crs string) string {
	s := strings.TrimSpace(crs)
	if s == "" {
		return ""
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s
}

func mustAtoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
