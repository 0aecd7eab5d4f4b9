// Package validate implements the post-build DSF validation pass: a
// no-op mode, a bounds check against the target tile's exact integer
// degree extents, and a full text/DSF roundtrip comparison.
package validate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/tile"
	"github.com/doublemover/kubolti/internal/tool"
)

// Mode selects how thoroughly a tile's output DSF is checked.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeBounds    Mode = "bounds"
	ModeRoundtrip Mode = "roundtrip"
)

// Result carries the outcome of validating one tile.
type Result struct {
	Status   string // "ok", "warning", "error" — mirrors scheduler.Status values
	Warnings []string
	Err      *kerr.BuildError
}

// boundsLineRe matches the DSF text dump's PROPERTY lines for sim/west,
// sim/south, sim/east, sim/north (the header-equivalent tile extents).
var boundsLineRe = regexp.MustCompile(`^PROPERTY\s+sim/(west|south|east|north)\s+(-?\d+(?:\.\d+)?)`)

// Validate runs the requested mode against dsfPath for tile t.
// textConvert invokes the external DSF-to-text tool (dsftool-style),
// returning the path to the produced text dump.
func Validate(ctx context.Context, mode Mode, t tile.ID, dsfPath string, textConvertCmd []string, scratchDir string, allowBoundsWarning bool) Result {
	switch mode {
	case ModeNone:
		return Result{Status: "ok"}
	case ModeBounds:
		return validateBounds(ctx, t, dsfPath, textConvertCmd, scratchDir, allowBoundsWarning)
	case ModeRoundtrip:
		return validateRoundtrip(ctx, t, dsfPath, textConvertCmd, scratchDir)
	default:
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), fmt.Sprintf("unknown validation mode %q", mode), nil)}
	}
}

func validateBounds(ctx context.Context, t tile.ID, dsfPath string, textConvertCmd []string, scratchDir string, allowWarning bool) Result {
	if _, err := os.Stat(dsfPath); err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "DSF missing", err)}
	}

	textPath, err := convertToText(ctx, dsfPath, textConvertCmd, scratchDir)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "DSF to text conversion failed", err)}
	}

	got, err := readBounds(textPath)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "could not read bounds from text dump", err)}
	}

	minLon, minLat, maxLon, maxLat := t.Bounds()
	want := map[string]float64{"west": minLon, "south": minLat, "east": maxLon, "north": maxLat}

	var mismatches []string
	for k, w := range want {
		if g, ok := got[k]; !ok || g != w {
			mismatches = append(mismatches, fmt.Sprintf("%s: got %v want %v", k, got[k], w))
		}
	}

	if len(mismatches) == 0 {
		return Result{Status: "ok"}
	}
	if allowWarning {
		return Result{Status: "warning", Warnings: mismatches}
	}
	return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), fmt.Sprintf("bounds mismatch: %v", mismatches), nil)}
}

func validateRoundtrip(ctx context.Context, t tile.ID, dsfPath string, textConvertCmd []string, scratchDir string) Result {
	textPath, err := convertToText(ctx, dsfPath, textConvertCmd, scratchDir)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "DSF to text conversion failed", err)}
	}

	rebuiltDSF, err := convertToDSF(ctx, textPath, textConvertCmd, scratchDir)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "text to DSF conversion failed", err)}
	}

	textPath2, err := convertToText(ctx, rebuiltDSF, textConvertCmd, scratchDir)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "roundtrip re-conversion failed", err)}
	}

	same, err := structurallyEqual(textPath, textPath2)
	if err != nil {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "roundtrip comparison failed", err)}
	}
	if !same {
		return Result{Status: "error", Err: kerr.ForTile(kerr.ValidationFailure, t.Format(), "roundtrip structural mismatch", nil)}
	}
	return Result{Status: "ok"}
}

func convertToText(ctx context.Context, dsfPath string, cmd []string, scratchDir string) (string, error) {
	out := filepath.Join(scratchDir, baseNoExt(dsfPath)+".txt")
	inv, err := tool.Resolve(cmd, []string{"--dsf2text", dsfPath, out}, "", nil)
	if err != nil {
		return "", err
	}
	if err := runSilently(ctx, inv); err != nil {
		return "", err
	}
	return out, nil
}

func convertToDSF(ctx context.Context, textPath string, cmd []string, scratchDir string) (string, error) {
	out := filepath.Join(scratchDir, baseNoExt(textPath)+".rebuilt.dsf")
	inv, err := tool.Resolve(cmd, []string{"--text2dsf", textPath, out}, "", nil)
	if err != nil {
		return "", err
	}
	if err := runSilently(ctx, inv); err != nil {
		return "", err
	}
	return out, nil
}

func runSilently(ctx context.Context, inv tool.Invocation) error {
	cmd := inv.Command(ctx)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}

func readBounds(textPath string) (map[string]float64, error) {
	f, err := os.Open(textPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bounds := map[string]float64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := boundsLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		bounds[m[1]] = v
	}
	return bounds, scanner.Err()
}

func structurallyEqual(a, b string) (bool, error) {
	fa, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	fb, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return string(fa) == string(fb), nil
}

func baseNoExt(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}
