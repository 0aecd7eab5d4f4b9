package blend

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestValidateLayersRejectsAOIWithoutNodata(t *testing.T) {
	aoi := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	layers := []Layer{{Path: "a.tif", Priority: 1, AOI: &aoi}}
	if err := ValidateLayers(layers, nil); err == nil {
		t.Error("expected error for AOI without resolvable nodata")
	}
}

func TestValidateLayersAcceptsGlobalNodataFallback(t *testing.T) {
	aoi := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	nd := -32768.0
	layers := []Layer{{Path: "a.tif", Priority: 1, AOI: &aoi}}
	if err := ValidateLayers(layers, &nd); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBlendHigherPriorityOverwrites(t *testing.T) {
	canvas := &Canvas{Width: 2, Height: 2, MinLon: 8, MinLat: 47, MaxLon: 9, MaxLat: 48, Data: make([]float64, 4)}
	layers := []Layer{
		{Path: "low.tif", Priority: 1, Sample: func(x, y int) (float64, bool) { return 100, true }},
		{Path: "high.tif", Priority: 2, Sample: func(x, y int) (float64, bool) { return 200, true }},
	}
	if err := Blend(layers, canvas); err != nil {
		t.Fatal(err)
	}
	for i, v := range canvas.Data {
		if v != 200 {
			t.Errorf("Data[%d] = %v, want 200 (highest priority wins)", i, v)
		}
	}
}

func TestBlendLeavesNaNWhereNoLayerHasData(t *testing.T) {
	canvas := &Canvas{Width: 2, Height: 2, MinLon: 8, MinLat: 47, MaxLon: 9, MaxLat: 48, Data: make([]float64, 4)}
	layers := []Layer{
		{Path: "sparse.tif", Priority: 1, Sample: func(x, y int) (float64, bool) { return 0, false }},
	}
	if err := Blend(layers, canvas); err != nil {
		t.Fatal(err)
	}
	for i, v := range canvas.Data {
		if !math.IsNaN(v) {
			t.Errorf("Data[%d] = %v, want NaN", i, v)
		}
	}
}
