// Package fill implements the nodata fill strategies applied to a
// normalized tile after mosaicking: constant, interpolate, fallback and
// none. Every strategy uses raster.Mask so NaN nodata is handled
// correctly everywhere, closing the prevalent equality-comparison bug
// that fails silently on NaN sentinels.
package fill

import (
	"fmt"

	"github.com/doublemover/kubolti/internal/raster"
)

// Strategy is a fill algorithm name, as recorded in the cache key and
// build plan.
type Strategy string

const (
	Constant    Strategy = "constant"
	Interpolate Strategy = "interpolate"
	Fallback    Strategy = "fallback"
	None        Strategy = "none"
)

// Grid is a row-major width x height array with an optional nodata
// sentinel, the shared shape every fill strategy reads and mutates.
type Grid struct {
	Data    []float64
	Width   int
	Height  int
	Nodata  *float64
}

// Result reports what a fill strategy did, for coverage-warning emission.
type Result struct {
	FilledPixels int
	Warnings     []string
}

// Apply dispatches to the named strategy. fallbackSample, required only
// for Fallback, samples a fallback DEM warped to the tile grid at pixel
// (x,y); it is the caller's (blend package's) responsibility to have
// that warp ready before calling Apply.
func Apply(strategy Strategy, g *Grid, fallbackSample func(x, y int) (float64, bool)) (Result, error) {
	switch strategy {
	case Constant:
		return applyConstant(g, 0)
	case Interpolate:
		return applyInterpolate(g)
	case Fallback:
		if fallbackSample == nil {
			return Result{}, fmt.Errorf("fill: fallback strategy requires a sampler")
		}
		return applyFallback(g, fallbackSample)
	case None:
		mask := raster.Mask(g.Data, g.Nodata)
		res := Result{}
		if n := countTrue(mask); n > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%d masked pixels left unfilled (strategy none)", n))
		}
		return res, nil
	default:
		return Result{}, fmt.Errorf("fill: unknown strategy %q", strategy)
	}
}

// ApplyConstant fills every masked cell with value.
func ApplyConstant(g *Grid, value float64) (Result, error) {
	return applyConstant(g, value)
}

func applyConstant(g *Grid, value float64) (Result, error) {
	mask := raster.Mask(g.Data, g.Nodata)
	filled := 0
	for i, masked := range mask {
		if masked {
			g.Data[i] = value
			filled++
		}
	}
	return Result{FilledPixels: filled}, nil
}

// applyInterpolate fills masked cells with the nearest valid neighbor by
// iterative dilation: each pass fills any masked cell adjacent to an
// already-valid cell, then re-masks. Small voids converge in a handful
// of passes; a void too wide for maxDilationPasses is filled from its
// edges inward only, and the cells still masked afterwards are left as
// they are and counted in a warning.
const maxDilationPasses = 64

func applyInterpolate(g *Grid) (Result, error) {
	mask := raster.Mask(g.Data, g.Nodata)
	filled := 0
	remaining := countTrue(mask)

	for pass := 0; pass < maxDilationPasses && remaining > 0; pass++ {
		progressed := false
		next := make([]bool, len(mask))
		copy(next, mask)

		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				i := y*g.Width + x
				if !mask[i] {
					continue
				}
				if v, ok := neighborValue(g, mask, x, y); ok {
					g.Data[i] = v
					next[i] = false
					filled++
					progressed = true
				}
			}
		}
		mask = next
		remaining = countTrue(mask)
		if !progressed {
			break
		}
	}

	res := Result{FilledPixels: filled}
	if remaining > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d masked pixels remained after %d dilation passes; large hole", remaining, maxDilationPasses))
	}
	return res, nil
}

func neighborValue(g *Grid, mask []bool, x, y int) (float64, bool) {
	dirs := [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	for _, d := range dirs {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || nx >= g.Width || ny < 0 || ny >= g.Height {
			continue
		}
		ni := ny*g.Width + nx
		if !mask[ni] {
			return g.Data[ni], true
		}
	}
	return 0, false
}

func applyFallback(g *Grid, sample func(x, y int) (float64, bool)) (Result, error) {
	mask := raster.Mask(g.Data, g.Nodata)
	filled := 0
	var unresolved int
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			i := y*g.Width + x
			if !mask[i] {
				continue
			}
			if v, ok := sample(x, y); ok {
				g.Data[i] = v
				filled++
			} else {
				unresolved++
			}
		}
	}
	res := Result{FilledPixels: filled}
	if unresolved > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d pixels had no fallback coverage either", unresolved))
	}
	return res, nil
}

func countTrue(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
