// Package scheduler runs the per-tile build pipeline across a bounded
// worker pool: cache lookup, normalize-on-miss, backend invocation,
// validation and enrichment, with per-tile error isolation so one bad
// tile never aborts its peers.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/tile"
)

// Status is a tile's terminal outcome, per the build report schema.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// TileResult is one tile's outcome, aggregated into the build report.
type TileResult struct {
	Tile     tile.ID
	Status   Status
	Warnings []string
	Errors   []*kerr.BuildError

	// BackendCommand echoes the resolved external-tool invocation that
	// ran (or last attempted) for this tile, empty if the tile failed
	// before reaching the backend.
	BackendCommand string
	// EventSummary is a condensed digest of the backend's parsed event
	// stream across every attempt.
	EventSummary string
	// CoverageBefore and CoverageAfter are pre-/post-fill coverage
	// fractions. CoverageBefore is 0 on a cache hit or when this tile's
	// build was deduplicated behind another in-flight build for the
	// same normalization key.
	CoverageBefore float64
	CoverageAfter  float64

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Job is the per-tile work closure the scheduler runs. Implementations
// are built by pipeline.NewJob and the CLI's validate command; the
// scheduler only owns
// concurrency, cancellation and error isolation.
type Job func(ctx context.Context, t tile.ID) TileResult

// Mode controls how the scheduler treats tiles already present in a
// prior build report.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeResume      Mode = "resume"
	ModeValidateOnly Mode = "validate-only"
)

// Options configures a Run.
type Options struct {
	Workers         int // 0 selects auto-sizing
	ContinueOnError bool
	Mode            Mode
	// PriorStatus reports a tile's status in an existing build report,
	// consulted only when Mode is ModeResume.
	PriorStatus func(t tile.ID) (Status, bool)
}

// ResolveWorkers applies the default-sizing policy: min(runtime.NumCPU(),
// tile count), or the caller's explicit value when positive. NumCPU
// counts logical CPUs; physical cores are not detected.
func ResolveWorkers(requested, tileCount int) int {
	if requested > 0 {
		return requested
	}
	n := runtime.NumCPU()
	if tileCount > 0 && tileCount < n {
		n = tileCount
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run executes job for every tile in tiles across a bounded worker
// pool. A failing tile (any Status != OK) is recorded and does not stop
// peer tiles from running, unless the tile's error Kind is fatal
// (kerr.Kind.Fatal), in which case the run-global cancellation
// propagates to all workers at their next checkpoint.
func Run(ctx context.Context, tiles []tile.ID, job Job, opts Options) []TileResult {
	workers := ResolveWorkers(opts.Workers, len(tiles))
	logger := slog.With("component", "scheduler", "workers", workers, "tiles", len(tiles))
	logger.Info("starting tile build")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workChan := make(chan tile.ID, len(tiles))
	for _, t := range tiles {
		if _, ok := skipForMode(t, opts); ok {
			continue
		}
		workChan <- t
	}
	close(workChan)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []TileResult
	var fatal bool

	for _, t := range tiles {
		if skipped, ok := skipForMode(t, opts); ok {
			results = append(results, skipped)
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for t := range workChan {
				select {
				case <-runCtx.Done():
					mu.Lock()
					results = append(results, TileResult{Tile: t, Status: StatusSkipped})
					mu.Unlock()
					continue
				default:
				}

				wlog := logger.With("worker", workerID, "tile", t.Format())
				wlog.Info("tile started")
				res := job(runCtx, t)
				wlog.Info("tile finished", "status", res.Status)

				mu.Lock()
				results = append(results, res)
				if res.Status == StatusError && hasFatalError(res) {
					fatal = true
					cancel()
				}
				mu.Unlock()
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}

	if fatal {
		logger.Warn("build stopped early due to fatal error")
	}
	return results
}

func hasFatalError(res TileResult) bool {
	for _, e := range res.Errors {
		if e.Kind.Fatal() {
			return true
		}
	}
	return false
}

// OverallStatus reduces per-tile results to the build-wide status: any
// tile error makes the run "error" unless continueOnError is set, in
// which case a run with at least one error but no fatal abort is
// reported as "partial" instead.
func OverallStatus(results []TileResult, continueOnError bool) Status {
	sawError := false
	sawFatal := false
	for _, r := range results {
		if r.Status == StatusError {
			sawError = true
			if hasFatalError(r) {
				sawFatal = true
			}
		}
	}
	if !sawError {
		return StatusOK
	}
	if continueOnError && !sawFatal {
		return "partial"
	}
	return StatusError
}

// skipForMode reports whether t should be skipped entirely (resume mode
// with a prior ok status) and a pseudo-result if so.
func skipForMode(t tile.ID, opts Options) (TileResult, bool) {
	if opts.Mode != ModeResume || opts.PriorStatus == nil {
		return TileResult{}, false
	}
	status, ok := opts.PriorStatus(t)
	if ok && status == StatusOK {
		return TileResult{Tile: t, Status: StatusSkipped}, true
	}
	return TileResult{}, false
}
