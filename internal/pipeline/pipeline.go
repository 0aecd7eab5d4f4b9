package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/airbusgeo/godal"

	"github.com/doublemover/kubolti/internal/blend"
	"github.com/doublemover/kubolti/internal/cache"
	"github.com/doublemover/kubolti/internal/config"
	"github.com/doublemover/kubolti/internal/enrich"
	"github.com/doublemover/kubolti/internal/events"
	"github.com/doublemover/kubolti/internal/fill"
	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/raster"
	"github.com/doublemover/kubolti/internal/runner"
	"github.com/doublemover/kubolti/internal/scheduler"
	"github.com/doublemover/kubolti/internal/tile"
	"github.com/doublemover/kubolti/internal/validate"
)

// stagedExts lists every extension a stale staged elevation file might
// carry, so runner.StagePath can clear all of them before a rebuild.
var stagedExts = []string{".tif", ".raw", ".hgt"}

// Options configures the per-tile job NewJob builds.
type Options struct {
	Cache      *cache.Cache
	CacheMode  cache.VerifyMode
	Stack      []blend.Layer // base DEM stack, shared across all tiles
	Raster     config.RasterConfig
	Runner     config.RunnerConfig
	Validation config.ValidationConfig
	Enrichment config.EnrichmentConfig
	SceneryRoot string // X-Plane scenery pack root (DSF/elevation tree)
	ScratchDir  string
}

// NewJob builds the scheduler.Job that normalizes, builds, validates
// and (optionally) enriches a single tile, reusing the cache whenever
// an identical normalization has already run.
func NewJob(opts Options) scheduler.Job {
	return func(ctx context.Context, t tile.ID) scheduler.TileResult {
		return runTile(ctx, t, opts)
	}
}

func runTile(ctx context.Context, t tile.ID, opts Options) (res scheduler.TileResult) {
	res.Tile = t
	started := time.Now()
	defer func() {
		res.StartedAt = &started
		completed := time.Now()
		res.CompletedAt = &completed
	}()

	artifactPath, coverageBefore, coverageAfter, warnings, err := normalizeTile(ctx, t, opts)
	if err != nil {
		res.Status = scheduler.StatusError
		res.Errors = append(res.Errors, asBuildError(t, kerr.NormalizationFailure, err))
		return res
	}
	res.Warnings = append(res.Warnings, warnings...)
	res.CoverageBefore = coverageBefore
	res.CoverageAfter = coverageAfter

	if opts.Raster.CoverageMinimum > 0 && coverageAfter < opts.Raster.CoverageMinimum {
		msg := fmt.Sprintf("coverage %.4f below minimum %.4f", coverageAfter, opts.Raster.CoverageMinimum)
		if opts.Raster.CoverageHardFail {
			res.Status = scheduler.StatusError
			res.Errors = append(res.Errors, kerr.ForTile(kerr.CoverageBelowThreshold, t.Format(), msg, nil))
			return res
		}
		res.Warnings = append(res.Warnings, msg)
	}

	stagedPath, err := runner.StagePath(opts.SceneryRoot, t, ".tif", stagedExts)
	if err != nil {
		res.Status = scheduler.StatusError
		res.Errors = append(res.Errors, asBuildError(t, kerr.NormalizationFailure, err))
		return res
	}
	if err := copyFile(artifactPath, stagedPath); err != nil {
		res.Status = scheduler.StatusError
		res.Errors = append(res.Errors, asBuildError(t, kerr.NormalizationFailure, err))
		return res
	}

	outcome := runner.Run(ctx, t, runner.Options{
		Command:    opts.Runner.Command,
		SourceRoot: opts.Runner.SourceRoot,
		ConfigPath: opts.Runner.ConfigPath,
		PatchedConfig: func(base []byte) []byte {
			return runner.BuildConfigPatch(base, t, opts.Raster.ResolutionDeg)
		},
		RetryLadder:    runner.DefaultTriangulationLadder(runner.LowerMinAngle),
		PersistConfig:  opts.Runner.PersistConfig,
		TotalTimeout:   time.Duration(opts.Runner.TotalTimeoutSec) * time.Second,
		NoOutputWindow: time.Duration(opts.Runner.NoOutputWindowSec) * time.Second,
		GracePeriod:    time.Duration(opts.Runner.GracePeriodSec) * time.Second,
		MaxRetries:     opts.Runner.MaxRetries,
		LogDir:         opts.SceneryRoot,
	})
	res.BackendCommand = outcome.Command
	res.EventSummary = eventSummary(outcome)
	if outcome.FinalError != nil {
		res.Status = scheduler.StatusError
		res.Errors = append(res.Errors, outcome.FinalError)
		return res
	}

	dsfPath := tile.DSFPath(opts.SceneryRoot, t)
	vres := validate.Validate(ctx, validate.Mode(opts.Validation.Mode), t, dsfPath, opts.Validation.TextConvertCmd, opts.ScratchDir, opts.Validation.AllowBoundsWarning)
	res.Warnings = append(res.Warnings, vres.Warnings...)
	if vres.Status == "error" {
		res.Status = scheduler.StatusError
		res.Errors = append(res.Errors, vres.Err)
		return res
	}

	if opts.Enrichment.ReferenceRoot != "" {
		eres := enrich.Enrich(ctx, t, dsfPath, enrich.Options{
			ReferenceRoot: opts.Enrichment.ReferenceRoot,
			DSF2TextCmd:   opts.Enrichment.DSF2TextCmd,
			Text2DSFCmd:   opts.Enrichment.Text2DSFCmd,
			ScratchDir:    opts.ScratchDir,
			Strict:        opts.Enrichment.Strict,
		})
		res.Warnings = append(res.Warnings, eres.Warnings...)
		if eres.Status == "error" {
			res.Status = scheduler.StatusError
			res.Errors = append(res.Errors, eres.Err)
			return res
		}
	}

	if vres.Status == "warning" || len(res.Warnings) > 0 {
		res.Status = scheduler.StatusWarning
		return res
	}
	res.Status = scheduler.StatusOK
	return res
}

// normalizeTile resolves a tile's normalized DEM artifact, reusing the
// cache on a hit and otherwise blending, filling and writing a fresh
// one under singleflight so concurrent workers never duplicate a warp.
// coverageAfter is always recomputed from the resolved artifact itself
// (hit or freshly built). coverageBefore (the pre-fill figure) can only
// be observed by the singleflight leader that actually ran buildTile;
// on a cache hit, or when this call was deduplicated behind another
// in-flight build for the same key, coverageBefore is 0.
func normalizeTile(ctx context.Context, t tile.ID, opts Options) (artifactPath string, coverageBefore, coverageAfter float64, warnings []string, err error) {
	fps := make([]string, len(opts.Stack))
	for i, l := range opts.Stack {
		fp, ferr := fingerprintFile(l.Path)
		if ferr != nil {
			return "", 0, 0, nil, ferr
		}
		fps[i] = fp
	}

	key := cache.Key(cache.KeyInputs{
		DEMFingerprints: fps,
		TargetCRS:       opts.Raster.TargetCRS,
		ResolutionDeg:   opts.Raster.ResolutionDeg,
		Resampling:      opts.Raster.Resampling,
		NodataPolicy:    "per-layer",
		FillStrategy:    opts.Raster.FillStrategy,
		AOIFingerprint:  aoiFingerprint(opts.Stack),
		Tile:            t,
	})

	path, hit, lerr := opts.Cache.Lookup(key, t, opts.CacheMode)
	if lerr != nil {
		return "", 0, 0, nil, lerr
	}
	if !hit {
		path, coverageBefore, warnings, err = opts.Cache.Normalize2(key, func() (string, float64, []string, error) {
			return buildTile(ctx, t, opts, key)
		})
		if err != nil {
			return "", 0, 0, nil, err
		}
	}

	ds, err := openOne(path)
	if err != nil {
		return "", 0, 0, nil, err
	}
	data, _, _, err := raster.ReadBand(ds)
	nodata, _ := ds.Bands()[0].NoData()
	ds.Close()
	if err != nil {
		return "", 0, 0, nil, err
	}
	coverageAfter, _, _ = raster.CoverageStats(data, &nodata)
	return path, coverageBefore, coverageAfter, warnings, nil
}

func buildTile(ctx context.Context, t tile.ID, opts Options, key string) (string, float64, []string, error) {
	layers := make([]blend.Layer, len(opts.Stack))
	copy(layers, opts.Stack)

	finalPath := opts.Cache.ArtifactPath(key, t)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", 0, nil, err
	}

	coverageBefore, warnings, err := NormalizeToPath(ctx, t, layers, opts.Raster, opts.ScratchDir, finalPath)
	if err != nil {
		return "", 0, nil, err
	}

	if err := opts.Cache.WriteManifest(key, t); err != nil {
		return "", 0, nil, err
	}
	return finalPath, coverageBefore, warnings, nil
}

// NormalizeToPath blends layers for tile t — warping each to the
// tile's grid, overlaying by priority, filling gaps, and remapping to
// the backend's staging dtype/nodata convention — and writes the
// result at destPath. This is the normalization core both the cached
// build pipeline (buildTile) and patch rebuilds (cmd/kubolti's patch
// command) go through, so a patched tile gets byte-for-byte the same
// treatment as one built the first time.
func NormalizeToPath(ctx context.Context, t tile.ID, layers []blend.Layer, rasterCfg config.RasterConfig, scratchDir, destPath string) (coverageBefore float64, warnings []string, err error) {
	minLon, minLat, maxLon, maxLat := t.Bounds()
	bounds := raster.Bounds{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
	width, height := raster.GridSize(bounds, rasterCfg.ResolutionDeg)

	resample := raster.Resampling(rasterCfg.Resampling)

	for i, l := range layers {
		srcs, err := raster.OpenSources([]string{l.Path})
		if err != nil {
			return 0, nil, err
		}
		src := srcs[0]

		scratch := filepath.Join(scratchDir, fmt.Sprintf("%s.layer%d.tif", t.Format(), i))
		tr, err := raster.WriteTileDEM(src, scratch, bounds, rasterCfg.ResolutionDeg, resample, l.Nodata)
		src.Close()
		if err != nil {
			return 0, nil, err
		}

		warped, err := openOne(scratch)
		if err != nil {
			return 0, nil, err
		}
		data, w, h, err := raster.ReadBand(warped)
		warped.Close()
		os.Remove(scratch)
		if err != nil {
			return 0, nil, err
		}
		if w != width || h != height {
			return 0, nil, fmt.Errorf("pipeline: layer %q grid %dx%d does not match tile grid %dx%d", l.Path, w, h, width, height)
		}

		nd := tr.Nodata
		layers[i].Nodata = &nd
		layers[i].Sample = sampleGrid(data, width, nd)
	}

	if err := blend.ValidateLayers(layers, nil); err != nil {
		return 0, nil, err
	}

	canvas := &blend.Canvas{
		Width: width, Height: height,
		MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat,
		Data: make([]float64, width*height),
	}
	if err := blend.Blend(layers, canvas); err != nil {
		return 0, nil, err
	}

	nanNodata := nanSentinel()
	coverageBefore, _, _ = raster.CoverageStats(canvas.Data, &nanNodata)

	grid := blend.ToFillGrid(canvas, &nanNodata)
	fres, err := fill.Apply(fill.Strategy(rasterCfg.FillStrategy), grid, nil)
	if err != nil {
		return coverageBefore, nil, err
	}

	coverageAfter, _, _ := raster.CoverageStats(canvas.Data, &nanNodata)

	finalNodata := raster.Ortho4XPProfile.Nodata
	scratchPath := filepath.Join(scratchDir, t.Format()+".blended.tif")
	blended, err := raster.CreateFromGrid(scratchPath, canvas.Data, width, height, bounds, rasterCfg.TargetCRS, finalNodata)
	if err != nil {
		return coverageBefore, nil, err
	}

	profiled, err := raster.ApplyBackendProfile(blended, destPath, raster.Ortho4XPProfile)
	blended.Close()
	os.Remove(scratchPath)
	if err != nil {
		return coverageBefore, nil, err
	}
	profiled.Close()

	warnings = fres.Warnings
	if coverageBefore < coverageAfter {
		warnings = append(warnings, fmt.Sprintf("fill raised coverage from %.4f to %.4f", coverageBefore, coverageAfter))
	}
	return coverageBefore, warnings, nil
}

// openOne opens a single dataset, for the tile-scratch reads this
// package needs between raster package calls.
func openOne(path string) (*godal.Dataset, error) {
	srcs, err := raster.OpenSources([]string{path})
	if err != nil {
		return nil, err
	}
	return srcs[0], nil
}

func nanSentinel() float64 { return math.NaN() }

func sampleGrid(data []float64, width int, nodata float64) func(x, y int) (float64, bool) {
	return func(x, y int) (float64, bool) {
		v := data[y*width+x]
		if v == nodata {
			return 0, false
		}
		return v, true
	}
}

func aoiFingerprint(layers []blend.Layer) string {
	any := false
	for _, l := range layers {
		if l.AOI != nil {
			any = true
			break
		}
	}
	if !any {
		return "none"
	}
	return "present"
}

func fingerprintFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("pipeline: fingerprint %q: %w", path, err)
	}
	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// eventSummary condenses a runner outcome's full event stream into a
// one-line digest for the Build Report (§3): attempt count plus a
// per-kind tally across every attempt, so a reviewer can see at a
// glance whether retries were driven by tiny-triangle failures,
// downloads, or something unrecognized.
func eventSummary(outcome runner.Outcome) string {
	counts := map[events.Kind]int{}
	for _, a := range outcome.AttemptLogs {
		for _, ev := range a.Events {
			counts[ev.Kind]++
		}
	}
	if len(counts) == 0 {
		return fmt.Sprintf("%d attempt(s), no events", outcome.Attempts)
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[events.Kind(k)]))
	}
	return fmt.Sprintf("%d attempt(s): %s", outcome.Attempts, strings.Join(parts, " "))
}

func asBuildError(t tile.ID, kind kerr.Kind, err error) *kerr.BuildError {
	if be, ok := err.(*kerr.BuildError); ok {
		return be
	}
	return kerr.ForTile(kind, t.Format(), err.Error(), err)
}
