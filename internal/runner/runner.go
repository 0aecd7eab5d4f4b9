// Package runner orchestrates invocation of the external mesh-generation
// tool for a single tile: staging the normalized DEM into the tool's
// expected folder, patching and restoring its global config file,
// streaming output through bounded ring buffers, and driving the retry
// ladder on recognized transient failures.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doublemover/kubolti/internal/events"
	"github.com/doublemover/kubolti/internal/kerr"
	"github.com/doublemover/kubolti/internal/tile"
	"github.com/doublemover/kubolti/internal/tool"
)

// configMu serializes config-file mutation across every concurrent tile
// worker in this process: the external tool reads a single global
// config file, so patch/restore for different tiles must never
// interleave (§5 "Resource sharing").
var configMu sync.Mutex

// ConfigSnapshot captures the pre-run state of the tool's global config
// file, including the absence of the file as a distinct, restorable state.
type ConfigSnapshot struct {
	Path    string
	Existed bool
	Content []byte
}

// Snapshot reads path's current content, recording absence explicitly.
func Snapshot(path string) (ConfigSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConfigSnapshot{Path: path, Existed: false}, nil
		}
		return ConfigSnapshot{}, fmt.Errorf("runner: snapshot config: %w", err)
	}
	return ConfigSnapshot{Path: path, Existed: true, Content: data}, nil
}

// Restore rewrites the config file to snap's pre-run state: deletes it
// if it was absent, otherwise rewrites the original bytes. Always runs,
// on every exit path, unless persist-config is set by the caller.
func Restore(snap ConfigSnapshot) error {
	if !snap.Existed {
		err := os.Remove(snap.Path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("runner: restore (delete) config: %w", err)
		}
		return nil
	}
	tmp := snap.Path + ".restore.tmp"
	if err := os.WriteFile(tmp, snap.Content, 0o644); err != nil {
		return fmt.Errorf("runner: restore (rewrite) config: %w", err)
	}
	return os.Rename(tmp, snap.Path)
}

// Patch overwrites the config file with new content, for the caller to
// later Restore from the matching Snapshot.
func Patch(path string, content []byte) error {
	tmp := path + ".patch.tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("runner: patch config: %w", err)
	}
	return os.Rename(tmp, path)
}

// PatchConfigValue rewrites (or appends) a "key=value" line in an
// Ortho4XP-style config file's content. Shared by the per-tile density
// preset patch and the retry ladder's parameter adjustments so both go
// through one textual-patch convention.
func PatchConfigValue(content []byte, key, value string) []byte {
	line := key + "=" + value
	if len(content) == 0 {
		return []byte(line + "\n")
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	found := false
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), key+"=") {
			lines[i] = line
			found = true
		}
	}
	if !found {
		lines = append(lines, line)
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// BuildConfigPatch derives the per-tile config patch applied before the
// first invocation (§4.H "density presets and per-tile options"): the
// tile's own lat/lon anchor plus a density preset derived from the
// normalization resolution.
func BuildConfigPatch(base []byte, t tile.ID, resolutionDeg float64) []byte {
	out := PatchConfigValue(base, "lat", fmt.Sprintf("%d", t.Lat))
	out = PatchConfigValue(out, "lon", fmt.Sprintf("%d", t.Lon))
	out = PatchConfigValue(out, "default_zl", fmt.Sprintf("%d", densityZoomFor(resolutionDeg)))
	return out
}

// densityZoomFor maps a normalization resolution to a coarse zoom-level
// density preset: finer source resolution earns a higher build density.
func densityZoomFor(resolutionDeg float64) int {
	switch {
	case resolutionDeg <= 1.0/10800: // ~10m or finer
		return 19
	case resolutionDeg <= 1.0/3600: // ~30m
		return 18
	default:
		return 17
	}
}

// LowerMinAngle is the concrete patch function for
// DefaultTriangulationLadder: it rewrites the minimum triangulation
// angle key used by the "tiny triangles" retry steps.
func LowerMinAngle(content []byte, angle float64) []byte {
	return PatchConfigValue(content, "min_angle", strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.1f", angle), "0"), "."))
}

// RetryStep is one rung of the retry ladder: a config mutation applied
// before re-invoking the backend.
type RetryStep struct {
	Description string
	Patch       func(content []byte) []byte
}

// DefaultTriangulationLadder implements the spec's example ladder for
// the "tiny triangles" diagnostic: progressively lower the minimum
// triangulation angle (10, then 5). The third rung returns the content
// it is given unchanged: it writes no area-constraint key, so that
// attempt runs with the pre-run config content.
func DefaultTriangulationLadder(lowerMinAngle func(content []byte, angle float64) []byte) []RetryStep {
	return []RetryStep{
		{Description: "lower min triangulation angle to 10", Patch: func(c []byte) []byte { return lowerMinAngle(c, 10) }},
		{Description: "lower min triangulation angle to 5", Patch: func(c []byte) []byte { return lowerMinAngle(c, 5) }},
		{Description: "retry with pre-run config (area constraints unchanged)", Patch: func(c []byte) []byte { return c }},
	}
}

// ringBuffer keeps only the head and tail of a subprocess stream, so a
// verbose tool can't exhaust memory; the full stream always goes to the
// on-disk log file unbounded.
type ringBuffer struct {
	mu         sync.Mutex
	head, tail []string
	headCap    int
	tailCap    int
	dropped    int
}

func newRingBuffer(headCap, tailCap int) *ringBuffer {
	return &ringBuffer{headCap: headCap, tailCap: tailCap}
}

func (r *ringBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.head) < r.headCap {
		r.head = append(r.head, line)
		return
	}
	r.tail = append(r.tail, line)
	if len(r.tail) > r.tailCap {
		r.dropped++
		r.tail = r.tail[1:]
	}
}

func (r *ringBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.head)+len(r.tail)+1)
	out = append(out, r.head...)
	if r.dropped > 0 {
		out = append(out, fmt.Sprintf("... %d lines elided ...", r.dropped))
	}
	out = append(out, r.tail...)
	return out
}

// Options configures a single tile invocation.
type Options struct {
	Command        []string // user-provided, argv-style (first elem may be a script)
	SourceRoot     string   // prepended to PYTHONPATH so a bundled script is importable
	ConfigPath     string   // the tool's global config file
	PatchedConfig  func(base []byte) []byte // per-tile patch applied before the first attempt
	PersistConfig  bool
	TotalTimeout   time.Duration
	NoOutputWindow time.Duration // no stdout/stderr line within this window kills + retries the attempt
	GracePeriod    time.Duration // soft-kill-then-hard-kill window on cancellation (§5)
	MaxRetries     int
	RetryLadder    []RetryStep
	LogDir         string // scenery pack root; logs land under <LogDir>/runner_logs
}

// AttemptLog is one invocation attempt's resolved command and captured
// event stream, the unit the persisted event log groups by (§6).
type AttemptLog struct {
	Command string
	Events  []events.Event
}

// Outcome is what a single tile invocation produced.
type Outcome struct {
	Attempts    int
	AttemptLogs []AttemptLog
	FinalError  *kerr.BuildError
	Command     string
}

// Run stages nothing itself (the caller already wrote the normalized
// DEM to its staged path before calling); Run patches config, invokes
// the backend with retry-ladder escalation on recognized transient
// failures or a stalled no-output window, and unconditionally restores
// config on every exit path. Once the config has been snapshotted and
// patched, every return persists the per-tile event log and config
// provenance under LogDir (§6), whatever the outcome; a failure to
// snapshot or patch the config returns without persisting them.
func Run(ctx context.Context, t tile.ID, opts Options) (outcome Outcome) {
	logger := slog.With("component", "runner", "tile", t.Format())

	configMu.Lock()
	defer configMu.Unlock()

	var appliedSteps []string
	var snap ConfigSnapshot
	var err error
	if opts.ConfigPath != "" {
		snap, err = Snapshot(opts.ConfigPath)
		if err != nil {
			return Outcome{FinalError: kerr.ForTile(kerr.BackendFatal, t.Format(), "snapshot config", err)}
		}
		if opts.PatchedConfig != nil {
			if err := Patch(opts.ConfigPath, opts.PatchedConfig(snap.Content)); err != nil {
				return Outcome{FinalError: kerr.ForTile(kerr.BackendFatal, t.Format(), "patch config", err)}
			}
		}
		if !opts.PersistConfig {
			defer func() {
				if err := Restore(snap); err != nil {
					logger.Error("config restore failed", "error", err)
				}
			}()
		}
	}

	defer func() {
		if perr := persistLogs(opts.LogDir, t, opts, appliedSteps, outcome); perr != nil {
			logger.Error("failed to persist runner logs", "error", perr)
		}
	}()

	env := tool.WithPythonPath(os.Environ(), opts.SourceRoot)
	inv, err := tool.Resolve(opts.Command, []string{t.Format()}, "", env)
	if err != nil {
		outcome = Outcome{FinalError: kerr.ForTile(kerr.BackendFatal, t.Format(), "resolve invocation", err)}
		return outcome
	}

	var attemptLogs []AttemptLog
	attempts := 0
	ladder := opts.RetryLadder

	for {
		attempts++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.TotalTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.TotalTimeout)
		}
		evs, exitErr, timedOut := invokeOnce(attemptCtx, inv, t, opts, logger)
		if cancel != nil {
			cancel()
		}
		attemptLogs = append(attemptLogs, AttemptLog{Command: inv.String(), Events: evs})

		if exitErr == nil {
			outcome = Outcome{Attempts: attempts, AttemptLogs: attemptLogs, Command: inv.String()}
			return outcome
		}

		transient := hasTransient(evs) || timedOut
		if !transient || attempts > opts.MaxRetries || len(ladder) == 0 {
			kind := kerr.BackendFatal
			reason := exitErr.Error()
			if transient {
				kind = kerr.BackendTransient
			}
			outcome = Outcome{
				Attempts:    attempts,
				AttemptLogs: attemptLogs,
				Command:     inv.String(),
				FinalError:  kerr.ForTile(kind, t.Format(), reason, exitErr),
			}
			return outcome
		}

		step := ladder[0]
		ladder = ladder[1:]
		appliedSteps = append(appliedSteps, step.Description)
		logger.Warn("retrying after transient backend failure", "step", step.Description, "attempt", attempts)
		if opts.ConfigPath != "" {
			patched := step.Patch(snap.Content)
			if err := Patch(opts.ConfigPath, patched); err != nil {
				outcome = Outcome{Attempts: attempts, AttemptLogs: attemptLogs, FinalError: kerr.ForTile(kerr.BackendFatal, t.Format(), "patch retry ladder step", err)}
				return outcome
			}
		}
	}
}

// invokeOnce runs a single attempt, returning its parsed event stream,
// the process's exit error (nil on success), and whether the attempt
// was torn down by the no-output watchdog (the caller treats this as a
// transient, retryable failure regardless of what events were parsed).
func invokeOnce(ctx context.Context, inv tool.Invocation, t tile.ID, opts Options, logger *slog.Logger) ([]events.Event, error, bool) {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var grace []time.Duration
	if opts.GracePeriod > 0 {
		grace = []time.Duration{opts.GracePeriod}
	}
	cmd := inv.Command(cmdCtx, grace...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err, false
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err, false
	}

	var runLog, stdoutLog, stderrLog *os.File
	if opts.LogDir != "" {
		logDir := filepath.Join(opts.LogDir, "runner_logs")
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			runLog, _ = os.Create(tile.RunnerLogPath(opts.LogDir, t, "run.log"))
			stdoutLog, _ = os.Create(tile.RunnerLogPath(opts.LogDir, t, "stdout.log"))
			stderrLog, _ = os.Create(tile.RunnerLogPath(opts.LogDir, t, "stderr.log"))
		}
	}
	for _, f := range []*os.File{runLog, stdoutLog, stderrLog} {
		if f != nil {
			defer f.Close()
		}
	}
	var logMu sync.Mutex

	headRing := newRingBuffer(200, 200)
	var evs []events.Event
	var evMu sync.Mutex
	var wg sync.WaitGroup

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	stream := func(r io.Reader, which events.Stream, perStreamLog *os.File) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			lastActivity.Store(time.Now().UnixNano())
			headRing.Add(line)

			logMu.Lock()
			if runLog != nil {
				fmt.Fprintln(runLog, line)
			}
			if perStreamLog != nil {
				fmt.Fprintln(perStreamLog, line)
			}
			logMu.Unlock()

			ev := events.Parse(line, which, lineNo)
			ev.Timestamp = time.Now().UnixNano()
			evMu.Lock()
			evs = append(evs, ev)
			evMu.Unlock()
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err, false
	}

	var watchdogFired atomic.Bool
	watchdogDone := make(chan struct{})
	if opts.NoOutputWindow > 0 {
		go func() {
			defer close(watchdogDone)
			interval := opts.NoOutputWindow / 4
			if interval <= 0 {
				interval = opts.NoOutputWindow
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmdCtx.Done():
					return
				case <-ticker.C:
					idle := time.Since(time.Unix(0, lastActivity.Load()))
					if idle > opts.NoOutputWindow && cmdCtx.Err() == nil {
						logger.Warn("no-output watchdog triggered", "window", opts.NoOutputWindow, "idle", idle)
						watchdogFired.Store(true)
						cancel()
						// A child of the backend that survives the kill can
						// keep the output pipes open; close them after the
						// grace period so the stream readers return.
						time.Sleep(opts.GracePeriod)
						stdoutPipe.Close()
						stderrPipe.Close()
						return
					}
				}
			}
		}()
	} else {
		close(watchdogDone)
	}

	wg.Add(2)
	go stream(stdoutPipe, events.StreamStdout, stdoutLog)
	go stream(stderrPipe, events.StreamStderr, stderrLog)
	wg.Wait()

	waitErr := cmd.Wait()
	cancel()
	<-watchdogDone

	timedOut := watchdogFired.Load()
	if waitErr != nil {
		logger.Error("backend exited non-zero", "error", waitErr, "tail", strings.Join(headRing.Lines(), "\n"))
		if timedOut {
			waitErr = fmt.Errorf("no output within %s: %w", opts.NoOutputWindow, waitErr)
		}
	}
	return evs, waitErr, timedOut
}

func hasTransient(evs []events.Event) bool {
	for _, e := range evs {
		if events.IsTransientFailure(e) {
			return true
		}
	}
	return false
}

// eventLogSchemaVersion is the schema_version stamped into every
// persisted <tile>.events.json (§6).
const eventLogSchemaVersion = 1

type eventLogAttempt struct {
	Command string         `json:"command"`
	Events  []events.Event `json:"events"`
}

type eventLogDoc struct {
	SchemaVersion int                `json:"schema_version"`
	Runner        string             `json:"runner"`
	Tile          string             `json:"tile"`
	Attempts      []eventLogAttempt  `json:"attempts"`
}

type configLogDoc struct {
	ConfigPath      string   `json:"config_path,omitempty"`
	PersistConfig   bool     `json:"persist_config"`
	InitialContent  string   `json:"initial_content,omitempty"`
	AppliedSteps    []string `json:"applied_retry_steps,omitempty"`
}

// persistLogs writes <tile>.events.json and <tile>.config.json under
// <logDir>/runner_logs (§6), regardless of whether the run succeeded.
func persistLogs(logDir string, t tile.ID, opts Options, appliedSteps []string, outcome Outcome) error {
	if logDir == "" {
		return nil
	}
	runnerDir := filepath.Join(logDir, "runner_logs")
	if err := os.MkdirAll(runnerDir, 0o755); err != nil {
		return fmt.Errorf("runner: create log dir: %w", err)
	}

	doc := eventLogDoc{SchemaVersion: eventLogSchemaVersion, Runner: firstOrEmpty(opts.Command), Tile: t.Format()}
	for _, a := range outcome.AttemptLogs {
		doc.Attempts = append(doc.Attempts, eventLogAttempt{Command: a.Command, Events: a.Events})
	}
	if err := writeJSON(tile.RunnerLogPath(logDir, t, "events.json"), doc); err != nil {
		return err
	}

	cfgDoc := configLogDoc{ConfigPath: opts.ConfigPath, PersistConfig: opts.PersistConfig, AppliedSteps: appliedSteps}
	if opts.ConfigPath != "" {
		if content, err := os.ReadFile(opts.ConfigPath); err == nil {
			cfgDoc.InitialContent = string(content)
		}
	}
	return writeJSON(tile.RunnerLogPath(logDir, t, "config.json"), cfgDoc)
}

func firstOrEmpty(command []string) string {
	if len(command) == 0 {
		return ""
	}
	return command[0]
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal %q: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runner: write %q: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// StagePath removes any stale staged file matching t's cardinal-letter
// name with any of the supported extensions, then returns the path the
// new normalized DEM should be written to with ext.
func StagePath(elevationRoot string, t tile.ID, ext string, supportedExts []string) (string, error) {
	bucketDir := filepath.Dir(tile.ElevationPath(elevationRoot, t, ext))
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return "", fmt.Errorf("runner: create elevation dir: %w", err)
	}
	base := tile.HGTName(t)
	for _, e := range supportedExts {
		stale := filepath.Join(bucketDir, base+e)
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("runner: remove stale staged file %q: %w", stale, err)
		}
	}
	return filepath.Join(bucketDir, base+ext), nil
}
