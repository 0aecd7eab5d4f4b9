// Package pipeline wires cache, raster, blend, fill, runner, validate
// and enrich into the per-tile scheduler.Job the main build command
// runs across the tile set.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/doublemover/kubolti/internal/blend"
)

// StackEntry is one layer in the DEM stack input document.
type StackEntry struct {
	Path     string   `json:"path"`
	Priority int      `json:"priority"`
	AOI      string   `json:"aoi,omitempty"`
	Nodata   *float64 `json:"nodata,omitempty"`
}

// StackPlan is the DEM stack input document: an ordered set of sources
// composited into every tile's base elevation, lowest priority first.
type StackPlan struct {
	Layers []StackEntry `json:"layers"`
}

// LoadStack reads a DEM stack input document from path.
func LoadStack(path string) (StackPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StackPlan{}, fmt.Errorf("pipeline: read stack plan: %w", err)
	}
	var plan StackPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return StackPlan{}, fmt.Errorf("pipeline: parse stack plan: %w", err)
	}
	return plan, nil
}

// ToLayers resolves each entry's AOI (if any) into a blend.Layer with
// no Sample set yet; normalizeTile fills Sample in once the layer's
// source has been warped to a specific tile's grid.
func (p StackPlan) ToLayers() ([]blend.Layer, error) {
	layers := make([]blend.Layer, 0, len(p.Layers))
	for _, e := range p.Layers {
		var aoi *orb.Polygon
		if e.AOI != "" {
			var err error
			aoi, err = loadAOI(e.AOI)
			if err != nil {
				return nil, err
			}
		}
		layers = append(layers, blend.Layer{
			Path:     e.Path,
			Priority: e.Priority,
			AOI:      aoi,
			Nodata:   e.Nodata,
		})
	}
	return layers, nil
}

func loadAOI(path string) (*orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read AOI %q: %w", path, err)
	}
	feature, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse AOI %q: %w", path, err)
	}
	poly, ok := feature.Geometry.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("pipeline: AOI %q is not a polygon feature", path)
	}
	return &poly, nil
}
