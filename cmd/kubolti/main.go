package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/doublemover/kubolti/internal/blend"
	"github.com/doublemover/kubolti/internal/cache"
	"github.com/doublemover/kubolti/internal/config"
	"github.com/doublemover/kubolti/internal/jobqueue"
	"github.com/doublemover/kubolti/internal/patchbuild"
	"github.com/doublemover/kubolti/internal/pipeline"
	"github.com/doublemover/kubolti/internal/planio"
	"github.com/doublemover/kubolti/internal/remotecache"
	"github.com/doublemover/kubolti/internal/scheduler"
	"github.com/doublemover/kubolti/internal/tile"
	"github.com/doublemover/kubolti/internal/validate"
)

func main() {
	configPath := flag.String("config", ".env", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	args := flag.Args()
	if *help || len(args) == 0 {
		showHelp()
		os.Exit(0)
	}

	command := args[0]

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	switch command {
	case "build":
		cmdBuild(args[1:], configPath)
	case "plan":
		cmdPlan(args[1:], configPath)
	case "validate":
		cmdValidate(args[1:], configPath)
	case "patch":
		cmdPatch(args[1:], configPath)
	case "cache":
		cmdCache(args[1:], configPath)
	case "serve":
		cmdServe(args[1:], configPath)
	default:
		slog.Error("unknown command", "command", command)
		showHelp()
		os.Exit(1)
	}
}

// parseTileSet expands a mix of bare tile names and comma-separated
// lists into a deduplicated, sorted []tile.ID.
func parseTileSet(args []string) ([]tile.ID, error) {
	seen := make(map[tile.ID]bool)
	var out []tile.ID
	for _, arg := range args {
		for _, name := range strings.Split(arg, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			t, err := tile.Parse(name)
			if err != nil {
				return nil, err
			}
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func loadStackLayers(stackPath string) (pipeline.StackPlan, error) {
	plan, err := pipeline.LoadStack(stackPath)
	if err != nil {
		return pipeline.StackPlan{}, fmt.Errorf("load DEM stack %q: %w", stackPath, err)
	}
	if len(plan.Layers) == 0 {
		return pipeline.StackPlan{}, fmt.Errorf("DEM stack %q has no layers", stackPath)
	}
	return plan, nil
}

// cmdBuild runs the full per-tile pipeline: normalize, hand off to the
// mesh-generation backend, validate and (optionally) enrich.
func cmdBuild(args []string, configPath *string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	stackPath := fs.String("stack", "", "Path to the DEM stack input document (required)")
	outputDir := fs.String("output", "", "Output scenery pack root (defaults to config OUTPUT_DIR)")
	workers := fs.Int("workers", 0, "Parallel tile workers (0 = auto)")
	continueOnError := fs.Bool("continue-on-error", true, "Keep building peer tiles after a tile fails")
	resume := fs.Bool("resume", false, "Skip tiles already marked ok in the prior build report")
	contentHash := fs.Bool("verify-content-hash", false, "Verify cache hits by content hash, not just presence")
	deterministic := fs.Bool("deterministic", false, "Write reports without timestamps, for byte-identical reruns")
	fs.Parse(reorderFlagsFirst(args))

	tiles, err := parseTileSet(fs.Args())
	if err != nil {
		slog.Error("invalid tile set", "error", err)
		os.Exit(1)
	}
	if len(tiles) == 0 {
		slog.Error("at least one tile is required (e.g. +47+008)")
		os.Exit(1)
	}
	if *stackPath == "" {
		slog.Error("-stack is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	sceneryRoot := *outputDir
	if sceneryRoot == "" {
		sceneryRoot = cfg.Paths.OutputDir
	}

	plan, err := loadStackLayers(*stackPath)
	if err != nil {
		slog.Error("failed to load DEM stack", "error", err)
		os.Exit(1)
	}
	layers, err := plan.ToLayers()
	if err != nil {
		slog.Error("failed to resolve DEM stack layers", "error", err)
		os.Exit(1)
	}

	normCache, err := cache.New(filepath.Join(sceneryRoot, "normalized", "cache"))
	if err != nil {
		slog.Error("failed to open normalization cache", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.ScratchDir, 0o755); err != nil {
		slog.Error("failed to create scratch dir", "error", err)
		os.Exit(1)
	}

	cacheMode := cache.VerifyFingerprintOnly
	if *contentHash {
		cacheMode = cache.VerifyContentHash
	}

	job := pipeline.NewJob(pipeline.Options{
		Cache:       normCache,
		CacheMode:   cacheMode,
		Stack:       layers,
		Raster:      cfg.Raster,
		Runner:      cfg.Runner,
		Validation:  cfg.Validation,
		Enrichment:  cfg.Enrichment,
		SceneryRoot: sceneryRoot,
		ScratchDir:  cfg.Paths.ScratchDir,
	})

	schedOpts := scheduler.Options{
		Workers:         *workers,
		ContinueOnError: *continueOnError,
		Mode:            scheduler.ModeFull,
	}
	if *resume {
		prior, err := planio.ReadReport(sceneryRoot)
		if err != nil {
			slog.Warn("no prior build report found, running full build", "error", err)
		} else {
			schedOpts.Mode = scheduler.ModeResume
			schedOpts.PriorStatus = planio.PriorStatusFunc(prior)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("starting tile build", "tiles", len(tiles), "output", sceneryRoot)

	done := make(chan []scheduler.TileResult, 1)
	go func() {
		done <- scheduler.Run(ctx, tiles, job, schedOpts)
	}()

	var results []scheduler.TileResult
	select {
	case results = <-done:
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		results = <-done
	}

	report := planio.FromTileResults(results, *continueOnError)
	if err := planio.WriteReport(sceneryRoot, report, planio.WriteOptions{Deterministic: *deterministic}); err != nil {
		slog.Error("failed to write build report", "error", err)
		os.Exit(1)
	}

	slog.Info("build finished", "overall_status", report.OverallStatus)
	if report.OverallStatus == string(scheduler.StatusError) {
		os.Exit(1)
	}
}

// cmdPlan writes the pre-run build plan (resolved tool command,
// per-input provenance) without running the pipeline.
func cmdPlan(args []string, configPath *string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	stackPath := fs.String("stack", "", "Path to the DEM stack input document (required)")
	outputDir := fs.String("output", "", "Output scenery pack root (defaults to config OUTPUT_DIR)")
	deterministic := fs.Bool("deterministic", false, "Write the plan without a timestamp")
	fs.Parse(reorderFlagsFirst(args))

	tiles, err := parseTileSet(fs.Args())
	if err != nil {
		slog.Error("invalid tile set", "error", err)
		os.Exit(1)
	}
	if *stackPath == "" {
		slog.Error("-stack is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	sceneryRoot := *outputDir
	if sceneryRoot == "" {
		sceneryRoot = cfg.Paths.OutputDir
	}

	stack, err := loadStackLayers(*stackPath)
	if err != nil {
		slog.Error("failed to load DEM stack", "error", err)
		os.Exit(1)
	}

	provenance := make([]planio.ProvenanceEntry, 0, len(stack.Layers))
	for _, l := range stack.Layers {
		fp, err := fingerprintPath(l.Path)
		if err != nil {
			slog.Error("failed to fingerprint DEM layer", "path", l.Path, "error", err)
			os.Exit(1)
		}
		provenance = append(provenance, planio.ProvenanceEntry{Path: l.Path, Fingerprint: fp, Mode: "basic"})
	}

	names := make([]string, len(tiles))
	for i, t := range tiles {
		names[i] = t.Format()
	}

	plan := planio.BuildPlan{
		Tiles:       names,
		ToolCommand: cfg.Runner.Command,
		Provenance:  provenance,
	}
	if err := planio.WritePlan(sceneryRoot, plan, planio.WriteOptions{Deterministic: *deterministic}); err != nil {
		slog.Error("failed to write build plan", "error", err)
		os.Exit(1)
	}
	slog.Info("wrote build plan", "tiles", len(names), "output", sceneryRoot)
}

func fingerprintPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

// cmdValidate re-runs validation alone against already-built DSFs,
// without touching normalization or the mesh-generation backend.
func cmdValidate(args []string, configPath *string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	outputDir := fs.String("output", "", "Scenery pack root to validate (defaults to config OUTPUT_DIR)")
	fs.Parse(reorderFlagsFirst(args))

	tiles, err := parseTileSet(fs.Args())
	if err != nil {
		slog.Error("invalid tile set", "error", err)
		os.Exit(1)
	}
	if len(tiles) == 0 {
		slog.Error("at least one tile is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	sceneryRoot := *outputDir
	if sceneryRoot == "" {
		sceneryRoot = cfg.Paths.OutputDir
	}

	ctx := context.Background()
	job := func(ctx context.Context, t tile.ID) scheduler.TileResult {
		res := scheduler.TileResult{Tile: t}
		dsfPath := tile.DSFPath(sceneryRoot, t)
		vres := validate.Validate(ctx, validate.Mode(cfg.Validation.Mode), t, dsfPath, cfg.Validation.TextConvertCmd, cfg.Paths.ScratchDir, cfg.Validation.AllowBoundsWarning)
		res.Warnings = vres.Warnings
		switch vres.Status {
		case "error":
			res.Status = scheduler.StatusError
			res.Errors = append(res.Errors, vres.Err)
		case "warning":
			res.Status = scheduler.StatusWarning
		default:
			res.Status = scheduler.StatusOK
		}
		return res
	}

	results := scheduler.Run(ctx, tiles, job, scheduler.Options{Mode: scheduler.ModeValidateOnly, ContinueOnError: true})
	report := planio.FromTileResults(results, true)
	for _, tr := range report.Tiles {
		slog.Info("tile validated", "tile", tr.Tile, "status", tr.Status)
	}
	if report.OverallStatus == string(scheduler.StatusError) {
		os.Exit(1)
	}
}

// cmdPatch rebuilds a narrow set of tiles against a patch DEM layered
// over the existing DEM stack, writing into a separate patched tree
// and leaving every tile outside the plan untouched.
func cmdPatch(args []string, configPath *string) {
	fs := flag.NewFlagSet("patch", flag.ExitOnError)
	planPath := fs.String("plan", "", "Path to the patch plan document (required)")
	stackPath := fs.String("stack", "", "Path to the base DEM stack input document (required)")
	patchedRoot := fs.String("output", "", "Patched output root (defaults to <OUTPUT_DIR>/patched)")
	fs.Parse(reorderFlagsFirst(args))

	if *planPath == "" || *stackPath == "" {
		slog.Error("-plan and -stack are required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	root := *patchedRoot
	if root == "" {
		root = filepath.Join(cfg.Paths.OutputDir, "patched")
	}

	plan, err := patchbuild.LoadPlan(*planPath)
	if err != nil {
		slog.Error("failed to load patch plan", "error", err)
		os.Exit(1)
	}

	stack, err := loadStackLayers(*stackPath)
	if err != nil {
		slog.Error("failed to load DEM stack", "error", err)
		os.Exit(1)
	}
	baseLayers, err := stack.ToLayers()
	if err != nil {
		slog.Error("failed to resolve DEM stack layers", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.ScratchDir, 0o755); err != nil {
		slog.Error("failed to create scratch dir", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	result := make(chan patchbuild.PatchReport, 1)
	go func() {
		report, _ := patchbuild.Run(ctx,
			plan,
			func(tile.ID) ([]blend.Layer, error) {
				out := make([]blend.Layer, len(baseLayers))
				copy(out, baseLayers)
				return out, nil
			},
			func(ctx context.Context, t tile.ID, layers []blend.Layer, outputRoot string) error {
				destPath := filepath.Join(outputRoot, t.Format()+".tif")
				if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
					return err
				}
				_, _, err := pipeline.NormalizeToPath(ctx, t, layers, cfg.Raster, cfg.Paths.ScratchDir, destPath)
				return err
			},
			root,
		)
		result <- report
	}()

	var report patchbuild.PatchReport
	select {
	case report = <-result:
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		report = <-result
	}

	if err := patchbuild.WriteReport(root, report); err != nil {
		slog.Error("failed to write patch report", "error", err)
		os.Exit(1)
	}

	failed := 0
	for _, e := range report.Entries {
		if e.Status == string(scheduler.StatusError) {
			failed++
			slog.Error("patch failed", "tile", e.Tile, "error", e.Error)
		}
	}
	slog.Info("patch run finished", "tiles", len(report.Entries), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// cmdCache manages the on-disk normalization cache.
func cmdCache(args []string, configPath *string) {
	if len(args) == 0 {
		slog.Error("cache subcommand required: clean")
		os.Exit(1)
	}
	switch args[0] {
	case "clean":
		cmdCacheClean(args[1:], configPath)
	default:
		slog.Error("unknown cache subcommand", "subcommand", args[0])
		os.Exit(1)
	}
}

func cmdCacheClean(args []string, configPath *string) {
	fs := flag.NewFlagSet("cache clean", flag.ExitOnError)
	maxBytes := fs.Int64("max-bytes", 10*1024*1024*1024, "Evict least-recently-used entries until the cache is at or below this size")
	fs.Parse(reorderFlagsFirst(args))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	c, err := cache.New(filepath.Join(cfg.Paths.OutputDir, "normalized", "cache"))
	if err != nil {
		slog.Error("failed to open cache", "error", err)
		os.Exit(1)
	}

	evicted, err := c.Clean(*maxBytes)
	if err != nil {
		slog.Error("cache clean failed", "error", err)
		os.Exit(1)
	}
	slog.Info("cache clean finished", "evicted", len(evicted))
}

// cmdServe starts the optional Postgres-backed build job queue.
func cmdServe(args []string, configPath *string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "Address to listen on")
	stackPath := fs.String("stack", "", "Path to the DEM stack input document used for every submitted job")
	fs.Parse(reorderFlagsFirst(args))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.JobQueue.Enabled {
		slog.Error("JOBQUEUE_ENABLED must be set to run serve")
		os.Exit(1)
	}
	if *stackPath == "" {
		slog.Error("-stack is required")
		os.Exit(1)
	}

	store, err := jobqueue.Open(jobqueue.Config{
		Host: cfg.JobQueue.Host, Port: cfg.JobQueue.Port, User: cfg.JobQueue.User,
		Password: cfg.JobQueue.Password, DBName: cfg.JobQueue.DBName, SSLMode: cfg.JobQueue.SSLMode,
	})
	if err != nil {
		slog.Error("failed to open job queue store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	stack, err := loadStackLayers(*stackPath)
	if err != nil {
		slog.Error("failed to load DEM stack", "error", err)
		os.Exit(1)
	}
	layers, err := stack.ToLayers()
	if err != nil {
		slog.Error("failed to resolve DEM stack layers", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.ScratchDir, 0o755); err != nil {
		slog.Error("failed to create scratch dir", "error", err)
		os.Exit(1)
	}

	var remote *remotecache.Client
	if cfg.RemoteCache.Enabled {
		remote, err = remotecache.New(context.Background(), remotecache.Config{
			Endpoint: cfg.RemoteCache.Endpoint, AccessKeyID: cfg.RemoteCache.AccessKeyID,
			SecretAccessKey: cfg.RemoteCache.SecretAccessKey, Region: cfg.RemoteCache.Region,
			Bucket: cfg.RemoteCache.Bucket, BucketPath: cfg.RemoteCache.BucketPath,
		})
		if err != nil {
			slog.Error("failed to initialize remote cache client", "error", err)
			os.Exit(1)
		}
	}

	build := func(ctx context.Context, bj *jobqueue.BuildJob, progress func(int, string)) error {
		tiles, err := parseTileSet([]string{bj.TileSet})
		if err != nil {
			return fmt.Errorf("parse tile set: %w", err)
		}

		sceneryRoot := filepath.Join(cfg.Paths.OutputDir, "jobs", bj.ID)
		normCache, err := cache.New(filepath.Join(sceneryRoot, "normalized", "cache"))
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}

		job := pipeline.NewJob(pipeline.Options{
			Cache: normCache, Stack: layers, Raster: cfg.Raster, Runner: cfg.Runner,
			Validation: cfg.Validation, Enrichment: cfg.Enrichment,
			SceneryRoot: sceneryRoot, ScratchDir: cfg.Paths.ScratchDir,
		})

		progress(0, "building")
		completed := 0
		for _, t := range tiles {
			res := job(ctx, t)
			completed++
			progress(completed, "building")
			if res.Status == scheduler.StatusError {
				return fmt.Errorf("tile %s failed", t.Format())
			}
		}

		if remote != nil {
			progress(completed, "pushing-remote-cache")
			if _, err := remote.PushDirectory(ctx, sceneryRoot, bj.ID, 4); err != nil {
				return fmt.Errorf("push remote cache: %w", err)
			}
		}
		return nil
	}

	server := jobqueue.NewServer(store, build)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving build job queue", "addr", *addr)
		errCh <- server.ListenAndServe(*addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("received shutdown signal, stopping server", "signal", sig)
		os.Exit(0)
	}
}

// reorderFlagsFirst moves flag arguments before positional arguments so
// Go's flag package parses them correctly; it stops at the first non-flag
// argument otherwise. This lets "build --workers 4 +47+008" and
// "build +47+008 --workers 4" both work.
func reorderFlagsFirst(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}

func showHelp() {
	help := `kubolti - build X-Plane 12 DSF base meshes from layered DEM stacks

Usage:
  kubolti [global options] <command> [command options] [arguments]

Global Options:
  -config string        Path to .env configuration file (default ".env")
  -debug                Enable debug logging
  -help                 Show this help message

Commands:
  build                 Normalize DEMs and build one or more tiles end to end
  plan                  Write the pre-run build plan without executing it
  validate              Re-validate already-built DSFs without rebuilding
  patch                 Rebuild a narrow set of tiles against a patch DEM
  cache clean           Evict least-recently-used normalization cache entries
  serve                 Start the Postgres-backed build job queue API

Build Command:
  Usage: kubolti build -stack <dem_stack.json> [options] <tile> [tile2] ...

  Arguments:
    <tile>                One or more tile names (e.g. +47+008), or
                          comma-separated lists (+47+008,+47+009)

  Options:
    -stack string         Path to the DEM stack input document (required)
    -output string        Output scenery pack root (defaults to OUTPUT_DIR)
    -workers int          Parallel tile workers (0 = auto)
    -continue-on-error    Keep building peer tiles after a tile fails (default true)
    -resume               Skip tiles already marked ok in the prior build report
    -verify-content-hash  Verify cache hits by content hash, not just presence
    -deterministic        Write reports without timestamps

Plan Command:
  Usage: kubolti plan -stack <dem_stack.json> [options] <tile> [tile2] ...

Validate Command:
  Usage: kubolti validate [options] <tile> [tile2] ...

Patch Command:
  Usage: kubolti patch -plan <patch_plan.json> -stack <dem_stack.json> [options]

Cache Command:
  Usage: kubolti cache clean [-max-bytes N]

Serve Command:
  Usage: kubolti serve -stack <dem_stack.json> [-addr :8080]

  Description:
    Starts the build job queue API.

    API Endpoints:
      POST   /api/builds           - Submit a new tile build job
      GET    /api/builds           - List jobs
      GET    /api/builds/{id}      - Get status of a specific job
      GET    /api/builds/{id}/stream - Stream real-time job updates (SSE)
      GET    /health               - Health check endpoint

Examples:
  # Build a single tile
  kubolti build -stack dem_stack.json +47+008

  # Build a batch of tiles with 4 workers, resuming a prior partial run
  kubolti build -stack dem_stack.json -workers 4 -resume +47+008,+47+009,+46+008

  # Write the build plan only, for review before running
  kubolti plan -stack dem_stack.json +47+008

  # Re-validate tiles that were already built
  kubolti validate +47+008 +47+009

  # Rebuild a patch DEM over two tiles
  kubolti patch -plan patch_plan.json -stack dem_stack.json

  # Evict cache entries down to 5GB
  kubolti cache clean -max-bytes 5368709120

  # Start the build job queue API on a custom port
  kubolti serve -stack dem_stack.json -addr :3000

  # Debug mode
  kubolti -debug build -stack dem_stack.json +47+008
`
	fmt.Print(help)
}
