// Package enrich merges XP12 raster layers (soundscape, seasons,
// bathymetry) from a reference scenery tree into a freshly built tile's
// DSF. The critical invariant here is sidecar naming: the external
// tool's text-to-DSF pass reads raster sidecars by the text file's own
// basename, so every sidecar this package writes MUST be renamed to
// track the enriched file it will actually be invoked against.
package enrich

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/tile"
	"github.com/doublemover/kubolti/internal/tool"
)

// Options configures one tile's enrichment pass.
type Options struct {
	ReferenceRoot  string   // root of the reference XP12 scenery tree
	DSF2TextCmd    []string
	Text2DSFCmd    []string
	ScratchDir     string
	Strict         bool // xp12-strict: missing reference is an error, not a warning
}

// Result mirrors scheduler.Status values for aggregation.
type Result struct {
	Status   string
	Warnings []string
	Err      *kerr.BuildError
}

// Enrich runs the five-step algorithm against targetDSF for tile t,
// replacing it in place with the enriched DSF on success.
func Enrich(ctx context.Context, t tile.ID, targetDSF string, opts Options) Result {
	refDSF := tile.DSFPath(opts.ReferenceRoot, t)
	if _, err := os.Stat(refDSF); err != nil {
		if opts.Strict {
			return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "reference tile missing", err)}
		}
		return Result{Status: "warning", Warnings: []string{"reference tile missing; tile kept unenriched"}}
	}

	targetText, err := dsfToText(ctx, targetDSF, opts.DSF2TextCmd, opts.ScratchDir)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "target DSF to text conversion failed", err)}
	}

	// The reference DSF has the same "<tile>.dsf" basename as the target,
	// so its text dump goes to a subdirectory instead of overwriting
	// targetText.
	refScratch := filepath.Join(opts.ScratchDir, "reference")
	if err := os.MkdirAll(refScratch, 0o755); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "reference DSF to text conversion failed", err)}
	}
	refText, err := dsfToText(ctx, refDSF, opts.DSF2TextCmd, refScratch)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "reference DSF to text conversion failed", err)}
	}

	rasterLines, refSidecars, err := extractRasterDefinitions(refText)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "could not extract raster definitions", err)}
	}

	enrichedText := strings.TrimSuffix(targetText, ".txt") + ".enriched.txt"
	if err := writeEnrichedText(targetText, rasterLines, enrichedText); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "could not write enriched text", err)}
	}

	// This is the fix for the sidecar-naming bug (S6): copy each
	// reference sidecar to a name built from the ENRICHED file's
	// basename, not the original target text's basename. The external
	// tool's text->DSF pass resolves "<basename>.<layer>.raw" against
	// the text file it is actually invoked on.
	if err := copySidecarsForBasename(refText, refSidecars, enrichedText); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "sidecar copy failed", err)}
	}

	enrichedDSF := strings.TrimSuffix(enrichedText, ".txt") + ".dsf"
	if err := textToDSF(ctx, enrichedText, enrichedDSF, opts.Text2DSFCmd); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "text to DSF conversion failed", err)}
	}

	if err := replaceFile(enrichedDSF, targetDSF); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.EnrichmentFailure, t.Format(), "could not install enriched DSF", err)}
	}
	return Result{Status: "ok"}
}

// rasterDefPrefix starts the reference text's raster-layer sidecar
// declarations, e.g. "RASTER_DEF elevation ...".
var rasterDefPrefix = "RASTER_DEF"

func extractRasterDefinitions(refText string) (lines []string, sidecarLayers []string, err error) {
	data, err := os.ReadFile(refText)
	if err != nil {
		return nil, nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), rasterDefPrefix) {
			lines = append(lines, line)
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				sidecarLayers = append(sidecarLayers, fields[1])
			}
		}
	}
	return lines, sidecarLayers, nil
}

func writeEnrichedText(targetText string, rasterLines []string, enrichedText string) error {
	data, err := os.ReadFile(targetText)
	if err != nil {
		return err
	}
	merged := string(data)
	if len(rasterLines) > 0 {
		merged += "\n" + strings.Join(rasterLines, "\n") + "\n"
	}
	tmp := enrichedText + ".tmp"
	if err := os.WriteFile(tmp, []byte(merged), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, enrichedText)
}

// copySidecarsForBasename copies each reference sidecar
// "<refText>.<layer>.raw" to "<enrichedText-base>.<layer>.raw". refText
// is the actual path dsfToText produced for the reference DSF, so this
// never has to guess the reference's naming convention.
func copySidecarsForBasename(refText string, layers []string, enrichedText string) error {
	enrichedBase := filepath.Base(enrichedText)
	dir := filepath.Dir(enrichedText)
	for _, layer := range layers {
		refSidecar := refText + "." + layer + ".raw"
		dstSidecar := filepath.Join(dir, enrichedBase+"."+layer+".raw")
		if err := copyFile(refSidecar, dstSidecar); err != nil {
			return fmt.Errorf("copy sidecar for layer %q: %w", layer, err)
		}
	}
	return nil
}

func dsfToText(ctx context.Context, dsfPath string, cmd []string, scratchDir string) (string, error) {
	out := filepath.Join(scratchDir, sidecarBase(dsfPath)+".txt")
	inv, err := tool.Resolve(cmd, []string{"--dsf2text", dsfPath, out}, "", nil)
	if err != nil {
		return "", err
	}
	if cmdOut, cerr := inv.Command(ctx).CombinedOutput(); cerr != nil {
		return "", fmt.Errorf("%w: %s", cerr, cmdOut)
	}
	return out, nil
}

func textToDSF(ctx context.Context, textPath, dsfPath string, cmd []string) error {
	inv, err := tool.Resolve(cmd, []string{"--text2dsf", textPath, dsfPath}, "", nil)
	if err != nil {
		return err
	}
	cmdOut, err := inv.Command(ctx).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, cmdOut)
	}
	return nil
}

func sidecarBase(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func replaceFile(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
