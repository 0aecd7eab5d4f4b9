package fill

import (
	"math"
	"testing"

	"github.com/doublemover/kubolti/internal/raster"
)

// TestEachStrategySucceedsWithNaNNodata is the regression test required
// by the spec: every non-none strategy must succeed when nodata is NaN,
// not just when it's a finite sentinel (the prevalent bug compares
// nodata by == which is always false for NaN).
func TestEachStrategySucceedsWithNaNNodata(t *testing.T) {
	nan := math.NaN()
	strategies := []Strategy{Constant, Interpolate}

	for _, s := range strategies {
		g := newGridWithNaNHoles(10, 10, nan)
		_, err := Apply(s, g, nil)
		if err != nil {
			t.Fatalf("strategy %s: unexpected error: %v", s, err)
		}
		mask := raster.Mask(g.Data, g.Nodata)
		if n := countMasked(mask); n != 0 {
			t.Errorf("strategy %s: %d masked cells remain after fill", s, n)
		}
	}
}

func TestFallbackStrategyWithNaNNodata(t *testing.T) {
	nan := math.NaN()
	g := newGridWithNaNHoles(4, 4, nan)
	sample := func(x, y int) (float64, bool) { return 42, true }

	_, err := Apply(Fallback, g, sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mask := raster.Mask(g.Data, g.Nodata)
	if n := countMasked(mask); n != 0 {
		t.Errorf("%d masked cells remain after fallback fill", n)
	}
}

func TestNoneStrategyLeavesMaskedCellsAndWarns(t *testing.T) {
	nan := math.NaN()
	g := newGridWithNaNHoles(5, 5, nan)
	res, err := Apply(None, g, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a coverage warning for strategy none")
	}
	mask := raster.Mask(g.Data, g.Nodata)
	if countMasked(mask) == 0 {
		t.Error("strategy none should leave masked cells in place")
	}
}

func TestConstantFillValue(t *testing.T) {
	nd := -32768.0
	g := &Grid{Data: []float64{-32768, 1, -32768, 2}, Width: 4, Height: 1, Nodata: &nd}
	res, err := ApplyConstant(g, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilledPixels != 2 {
		t.Errorf("FilledPixels = %d, want 2", res.FilledPixels)
	}
	want := []float64{7, 1, 7, 2}
	for i := range want {
		if g.Data[i] != want[i] {
			t.Errorf("Data[%d] = %v, want %v", i, g.Data[i], want[i])
		}
	}
}

func newGridWithNaNHoles(w, h int, nan float64) *Grid {
	data := make([]float64, w*h)
	for i := range data {
		if i%3 == 0 {
			data[i] = math.NaN()
		} else {
			data[i] = float64(i)
		}
	}
	return &Grid{Data: data, Width: w, Height: h, Nodata: &nan}
}

func countMasked(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
