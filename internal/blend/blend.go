// Package blend implements the DEM stack blender: layering an ordered
// set of DEM sources onto a single tile canvas, applying each layer's
// AOI mask, and overlaying higher-priority data over lower.
package blend

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/doublemover/kubolti/internal/crs"
	"github.com/doublemover/kubolti/internal/fill"
)

// Layer is one entry in a DEM stack, ordered ascending by Priority so
// higher-priority layers overwrite lower ones where both have valid data.
type Layer struct {
	Path     string
	Priority int
	AOI      *orb.Polygon
	AOICRS   string // empty means EPSG:4326
	Nodata   *float64
	// Sample reads the layer's warped-to-tile-grid value at pixel (x,y),
	// returning ok=false where the layer itself has no data there. The
	// caller (scheduler/runner wiring) is responsible for having already
	// warped the source into the tile grid before blending.
	Sample func(x, y int) (float64, bool)
}

// Canvas is the tile-grid working buffer the blender writes into.
type Canvas struct {
	Width, Height      int
	MinLon, MinLat     float64
	MaxLon, MaxLat     float64
	Data               []float64
}

// ValidateLayers enforces the data-model invariant: a layer with an AOI
// must have a resolvable nodata value (per-layer or the supplied
// global default), else it is rejected at plan time as InvalidInput.
func ValidateLayers(layers []Layer, globalNodata *float64) error {
	for _, l := range layers {
		if l.AOI != nil && l.Nodata == nil && globalNodata == nil {
			return fmt.Errorf("blend: layer %q has an AOI but no resolvable nodata value", l.Path)
		}
	}
	return nil
}

// Blend produces a single normalized canvas from layers, ascending by
// priority, masking cells outside each layer's AOI before overlay.
func Blend(layers []Layer, canvas *Canvas) error {
	ordered := make([]Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for i := range canvas.Data {
		canvas.Data[i] = math.NaN()
	}

	for _, layer := range ordered {
		var aoi *orb.Polygon
		if layer.AOI != nil {
			transformed, err := aoiInTargetCRS(*layer.AOI, layer.AOICRS)
			if err != nil {
				return fmt.Errorf("blend: layer %q AOI transform: %w", layer.Path, err)
			}
			aoi = &transformed
		}

		for y := 0; y < canvas.Height; y++ {
			for x := 0; x < canvas.Width; x++ {
				if aoi != nil && !pixelInAOI(canvas, x, y, *aoi) {
					continue
				}
				v, ok := layer.Sample(x, y)
				if !ok {
					continue
				}
				canvas.Data[y*canvas.Width+x] = v
			}
		}
	}
	return nil
}

// aoiInTargetCRS applies the AOI CRS rule: an AOI with no embedded CRS
// is assumed EPSG:4326 (the canvas's native CRS); otherwise it is
// transformed via the crs package's bounds transform applied per-vertex.
func aoiInTargetCRS(aoi orb.Polygon, aoiCRS string) (orb.Polygon, error) {
	if aoiCRS == "" || aoiCRS == crs.WGS84 {
		return aoi, nil
	}
	out := make(orb.Polygon, len(aoi))
	for ri, ring := range aoi {
		newRing := make(orb.Ring, len(ring))
		for pi, pt := range ring {
			b, err := crs.TransformBounds(aoiCRS, crs.WGS84, crs.Bounds{MinX: pt[0], MinY: pt[1], MaxX: pt[0], MaxY: pt[1]})
			if err != nil {
				return nil, err
			}
			newRing[pi] = orb.Point{b.MinX, b.MinY}
		}
		out[ri] = newRing
	}
	return out, nil
}

func pixelInAOI(canvas *Canvas, x, y int, aoi orb.Polygon) bool {
	lonStep := (canvas.MaxLon - canvas.MinLon) / float64(canvas.Width)
	latStep := (canvas.MaxLat - canvas.MinLat) / float64(canvas.Height)
	center := orb.Point{
		canvas.MinLon + (float64(x)+0.5)*lonStep,
		canvas.MaxLat - (float64(y)+0.5)*latStep,
	}
	return planar.PolygonContains(aoi, center)
}

// ToFillGrid adapts a Canvas to fill.Grid for the fill pass that runs
// after blending.
func ToFillGrid(c *Canvas, nodata *float64) *fill.Grid {
	return &fill.Grid{Data: c.Data, Width: c.Width, Height: c.Height, Nodata: nodata}
}
