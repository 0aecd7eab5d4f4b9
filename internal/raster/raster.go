// Package raster implements the normalization primitives the build
// pipeline composes everything else from: mosaicking, tile-grid warps,
// nodata masking, coverage statistics and backend profile remapping, all
// backed by github.com/airbusgeo/godal.
package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// Resampling enumerates the supported resampling kernels; the caller
// picks one explicitly, there is no hidden default baked into this
// package. The pipeline passes the configured kernel through as is; no
// up/downsampling-direction policy exists and none is recorded in the
// build plan.
type Resampling string

const (
	Nearest  Resampling = "nearest"
	Bilinear Resampling = "bilinear"
	Cubic    Resampling = "cubic"
	Average  Resampling = "average"
	Lanczos  Resampling = "lanczos"
)

func (r Resampling) godalOption() (godal.ResamplingAlg, error) {
	switch r {
	case Nearest:
		return godal.NearestResampling, nil
	case Bilinear:
		return godal.Bilinear, nil
	case Cubic:
		return godal.Cubic, nil
	case Average:
		return godal.Average, nil
	case Lanczos:
		return godal.Lanczos, nil
	default:
		return 0, fmt.Errorf("raster: unknown resampling kernel %q", r)
	}
}

// MosaicStrategy selects how multiple source datasets are combined
// before a tile window is cut from them.
type MosaicStrategy int

const (
	// MosaicMaterialized builds one GeoTIFF covering the full source
	// union up front. Simplest, highest memory/disk use.
	MosaicMaterialized MosaicStrategy = iota
	// MosaicVirtual is handled by Mosaic exactly like
	// MosaicMaterialized: it writes the same GeoTIFF union; no lazy
	// VRT-style descriptor is built.
	MosaicVirtual
	// MosaicPerTile makes Mosaic return no dataset at all; this package
	// has no per-tile source selection or merge.
	MosaicPerTile
)

// Bounds is a traditional-GIS-order bounding box in the mosaic's target CRS.
type Bounds struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// TileResult mirrors the data model's TileResult record for a single
// normalization write.
type TileResult struct {
	Path           string
	Nodata         float64
	Bounds         Bounds
	CoverageBefore float64
	CoverageAfter  float64
	Warnings       []string
	Errors         []string
}

// Mask centralizes the nodata test every fill and coverage routine must
// use. A NaN nodata value requires math.IsNaN rather than equality,
// since NaN != NaN in IEEE 754; a nil nodata means no masking at all.
func Mask(data []float64, nodata *float64) []bool {
	mask := make([]bool, len(data))
	if nodata == nil {
		return mask
	}
	nd := *nodata
	if math.IsNaN(nd) {
		for i, v := range data {
			mask[i] = math.IsNaN(v)
		}
		return mask
	}
	for i, v := range data {
		mask[i] = v == nd
	}
	return mask
}

// OpenSources opens each path as a read-only godal dataset. Callers must
// close every returned dataset, even on error (already-opened entries
// are closed before the error is returned).
func OpenSources(paths []string) ([]*godal.Dataset, error) {
	out := make([]*godal.Dataset, 0, len(paths))
	for _, p := range paths {
		ds, err := godal.Open(p)
		if err != nil {
			for _, opened := range out {
				opened.Close()
			}
			return nil, fmt.Errorf("raster: open %q: %w", p, err)
		}
		out = append(out, ds)
	}
	return out, nil
}

// Mosaic combines sources per strategy, warping any divergent-CRS input
// into targetCRS first. MosaicMaterialized and MosaicVirtual both return
// a single dataset covering the union of inputs; MosaicPerTile returns
// nil, nil. WriteTileDEM warps one source per call and does no source
// filtering of its own.
func Mosaic(sources []*godal.Dataset, strategy MosaicStrategy, targetCRS string, scratchPath string) (*godal.Dataset, error) {
	if strategy == MosaicPerTile {
		return nil, nil
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("raster: mosaic with no sources")
	}

	warped := make([]*godal.Dataset, 0, len(sources))
	for _, src := range sources {
		sr, err := src.SpatialRef()
		if err != nil {
			return nil, fmt.Errorf("raster: source spatial ref: %w", err)
		}
		target, err := godal.NewSpatialRefFromEPSG(epsgFromCRS(targetCRS))
		if err != nil {
			sr.Close()
			return nil, fmt.Errorf("raster: target spatial ref: %w", err)
		}
		sameCRS := sr.IsSame(target)
		sr.Close()
		target.Close()
		if sameCRS {
			warped = append(warped, src)
			continue
		}
		w, err := src.Warp("", []string{"-t_srs", targetCRS}, godal.GTiff)
		if err != nil {
			return nil, fmt.Errorf("raster: warp source to target CRS: %w", err)
		}
		warped = append(warped, w)
	}

	out, err := godal.Warp(scratchPath, warped, nil, godal.GTiff)
	if err != nil {
		return nil, fmt.Errorf("raster: build mosaic: %w", err)
	}
	return out, nil
}

// GridSize computes the pixel dimensions WriteTileDEM will produce for
// bounds at resDegrees, so callers that need to preallocate buffers
// (e.g. a multi-layer blend canvas) never drift out of sync with the
// warp itself.
func GridSize(bounds Bounds, resDegrees float64) (width, height int) {
	return int(math.Ceil((bounds.MaxLon - bounds.MinLon) / resDegrees)),
		int(math.Ceil((bounds.MaxLat - bounds.MinLat) / resDegrees))
}

// WriteTileDEM warps src into the pixel grid implied by bounds and
// resolution, writing destPath. The returned TileResult.Nodata always
// reflects the value actually written to the output dataset's header:
// dstNodata if provided, otherwise the source's own nodata.
func WriteTileDEM(src *godal.Dataset, destPath string, bounds Bounds, resDegrees float64, resample Resampling, dstNodata *float64) (TileResult, error) {
	alg, err := resample.godalOption()
	if err != nil {
		return TileResult{}, err
	}

	sizeX := int(math.Ceil((bounds.MaxLon - bounds.MinLon) / resDegrees))
	sizeY := int(math.Ceil((bounds.MaxLat - bounds.MinLat) / resDegrees))
	if sizeX <= 0 || sizeY <= 0 {
		return TileResult{}, fmt.Errorf("raster: degenerate tile grid %dx%d", sizeX, sizeY)
	}

	effectiveNodata, err := resolveNodata(src, dstNodata)
	if err != nil {
		return TileResult{}, err
	}

	switches := []string{
		"-te", ftoa(bounds.MinLon), ftoa(bounds.MinLat), ftoa(bounds.MaxLon), ftoa(bounds.MaxLat),
		"-ts", itoa(sizeX), itoa(sizeY),
		"-dstnodata", ftoa(effectiveNodata),
	}

	out, err := src.Warp(destPath, switches, godal.GTiff, godal.Resampling(alg))
	if err != nil {
		return TileResult{}, fmt.Errorf("raster: write tile DEM: %w", err)
	}
	out.Close()

	return TileResult{
		Path:   destPath,
		Nodata: effectiveNodata,
		Bounds: bounds,
	}, nil
}

// ReadBand reads the first band of ds into a row-major float64 grid,
// widening whatever the source dtype is through godal's own buffer
// conversion.
func ReadBand(ds *godal.Dataset) (data []float64, width, height int, err error) {
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, 0, 0, fmt.Errorf("raster: dataset has no bands")
	}
	st := ds.Structure()
	width, height = st.SizeX, st.SizeY
	data = make([]float64, width*height)
	if err := bands[0].Read(0, 0, data, width, height); err != nil {
		return nil, 0, 0, fmt.Errorf("raster: read band: %w", err)
	}
	return data, width, height, nil
}

// CreateFromGrid writes a new single-band GeoTIFF at destPath from a
// row-major float64 grid, with its geotransform and spatial reference
// set from bounds/targetCRS so the output is directly usable as a
// normalized tile artifact.
func CreateFromGrid(destPath string, data []float64, width, height int, bounds Bounds, targetCRS string, nodata float64) (*godal.Dataset, error) {
	out, err := godal.Create(godal.GTiff, destPath, 1, godal.Float64, width, height)
	if err != nil {
		return nil, fmt.Errorf("raster: create %q: %w", destPath, err)
	}

	pixelWidth := (bounds.MaxLon - bounds.MinLon) / float64(width)
	pixelHeight := (bounds.MaxLat - bounds.MinLat) / float64(height)
	if err := out.SetGeoTransform([6]float64{bounds.MinLon, pixelWidth, 0, bounds.MaxLat, 0, -pixelHeight}); err != nil {
		out.Close()
		return nil, fmt.Errorf("raster: set geotransform: %w", err)
	}

	sr, err := godal.NewSpatialRefFromEPSG(epsgFromCRS(targetCRS))
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("raster: resolve target spatial ref: %w", err)
	}
	defer sr.Close()
	if err := out.SetSpatialRef(sr); err != nil {
		out.Close()
		return nil, fmt.Errorf("raster: set spatial ref: %w", err)
	}

	bands := out.Bands()
	if err := bands[0].SetNoData(nodata); err != nil {
		out.Close()
		return nil, fmt.Errorf("raster: set nodata: %w", err)
	}
	if err := bands[0].Write(0, 0, data, width, height); err != nil {
		out.Close()
		return nil, fmt.Errorf("raster: write band: %w", err)
	}
	return out, nil
}

func resolveNodata(src *godal.Dataset, dstNodata *float64) (float64, error) {
	if dstNodata != nil {
		return *dstNodata, nil
	}
	bands := src.Bands()
	if len(bands) == 0 {
		return 0, fmt.Errorf("raster: source has no bands")
	}
	nd, ok := bands[0].NoData()
	if !ok {
		return 0, fmt.Errorf("raster: source has no nodata and caller gave none")
	}
	return nd, nil
}

// CoverageStats reports (validRatio, totalPixels, nodataPixels) for
// data under nodata, computed from the in-memory float array. This
// package has no variant that reads a raster mask band instead.
func CoverageStats(data []float64, nodata *float64) (validRatio float64, total, nodataPixels int) {
	mask := Mask(data, nodata)
	total = len(data)
	for _, masked := range mask {
		if masked {
			nodataPixels++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return float64(total-nodataPixels) / float64(total), total, nodataPixels
}

// BackendProfile describes the dtype/nodata convention a downstream
// mesh-generation backend expects staged DEMs to use.
type BackendProfile struct {
	Nodata float64
	DType  godal.DataType
}

// Ortho4XPProfile is the staging convention the reference mesh backend
// expects: signed 16-bit elevation with a sentinel nodata.
var Ortho4XPProfile = BackendProfile{Nodata: -32768, DType: godal.Int16}

// ApplyBackendProfile remaps ds's nodata value and dtype to profile,
// in place via Translate when a dtype change is needed, or a direct
// nodata rewrite when the dtype already matches.
func ApplyBackendProfile(ds *godal.Dataset, destPath string, profile BackendProfile) (*godal.Dataset, error) {
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("raster: dataset has no bands")
	}
	current := ds.Structure().DataType
	if current == profile.DType {
		if err := bands[0].SetNoData(profile.Nodata); err != nil {
			return nil, fmt.Errorf("raster: set nodata: %w", err)
		}
		return ds, nil
	}
	out, err := ds.Translate(destPath, []string{
		"-ot", dtypeName(profile.DType),
		"-a_nodata", ftoa(profile.Nodata),
	}, godal.GTiff)
	if err != nil {
		return nil, fmt.Errorf("raster: translate to backend profile: %w", err)
	}
	return out, nil
}

func dtypeName(dt godal.DataType) string {
	switch dt {
	case godal.Int16:
		return "Int16"
	case godal.Float32:
		return "Float32"
	case godal.Float64:
		return "Float64"
	case godal.Byte:
		return "Byte"
	default:
		return "Float32"
	}
}

func epsgFromCRS(crs string) int {
	n := 0
	started := false
	for _, r := range crs {
		if r >= '0' && r <= '9' {
			started = true
			n = n*10 + int(r-'0')
		} else if started {
			break
		}
	}
	if n == 0 {
		return 4326
	}
	return n
}

func ftoa(f float64) string { return fmt.Sprintf("%g", f) }
func itoa(i int) string     { return fmt.Sprintf("%d", i) }
