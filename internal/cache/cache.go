// Package cache implements the per-tile normalization cache: content
// addressed by a stable key, deduplicated across concurrent callers with
// singleflight, and evicted only by an explicit clean operation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/doublemover/kubolti/internal/tile"
)

// keyNamespace roots the deterministic UUIDv5 derivation so cache
// directory names never collide with unrelated UUIDv5 consumers.
var keyNamespace = uuid.MustParse("6f6e6f6f-5445-5254-4143-484521444b4d")

// KeyInputs is everything the cache key is a stable hash over (§3).
type KeyInputs struct {
	DEMFingerprints []string // ordered
	TargetCRS       string
	ResolutionDeg   float64
	Resampling      string
	NodataPolicy    string
	FillStrategy    string
	AOIFingerprint  string
	Tile            tile.ID
}

// Key computes the stable cache key for inputs. Identical KeyInputs
// always yield an identical key across hosts and runs: the hash input
// is built from sorted/ordered fields only, never map iteration order
// or anything host-dependent like paths or timestamps.
func Key(in KeyInputs) string {
	h := sha256.New()
	fmt.Fprintf(h, "tile=%s\n", in.Tile.Format())
	fmt.Fprintf(h, "crs=%s\n", in.TargetCRS)
	fmt.Fprintf(h, "res=%.10f\n", in.ResolutionDeg)
	fmt.Fprintf(h, "resample=%s\n", in.Resampling)
	fmt.Fprintf(h, "nodata_policy=%s\n", in.NodataPolicy)
	fmt.Fprintf(h, "fill=%s\n", in.FillStrategy)
	fmt.Fprintf(h, "aoi=%s\n", in.AOIFingerprint)
	for _, fp := range in.DEMFingerprints {
		fmt.Fprintf(h, "dem=%s\n", fp)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DirName derives a deterministic, filesystem-safe leaf directory name
// from a cache key via UUIDv5, so keys (which can be long hex strings)
// don't blow past path-length limits on any platform.
func DirName(key string) string {
	return uuid.NewSHA1(keyNamespace, []byte(key)).String()
}

// Cache manages the on-disk normalization cache rooted at Root
// (typically <output>/normalized/cache).
type Cache struct {
	Root  string
	group singleflight.Group
}

// New returns a Cache rooted at root, creating it if absent.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}
	return &Cache{Root: root}, nil
}

// EntryDir returns <root>/<key-prefix>/<dir-name>/, sharding by the
// first two hex characters of the key to keep any single directory
// from holding an unwieldy number of entries.
func (c *Cache) EntryDir(key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.Root, prefix, DirName(key))
}

// ArtifactPath returns the normalized GeoTIFF path within an entry dir.
func (c *Cache) ArtifactPath(key string, t tile.ID) string {
	return filepath.Join(c.EntryDir(key), t.Format()+".tif")
}

// VerifyMode controls how a cache hit is validated before reuse.
type VerifyMode int

const (
	// VerifyFingerprintOnly trusts the entry exists; no content check.
	VerifyFingerprintOnly VerifyMode = iota
	// VerifyContentHash additionally recomputes and compares a SHA-256
	// of the cached artifact against a recorded manifest hash.
	VerifyContentHash
)

// Lookup reports whether a valid cache entry exists for key. When mode
// is VerifyContentHash, it also checks the artifact's current SHA-256
// against the manifest written alongside it at cache-write time.
func (c *Cache) Lookup(key string, t tile.ID, mode VerifyMode) (path string, hit bool, err error) {
	path = c.ArtifactPath(key, t)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: stat %q: %w", path, err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("cache: entry %q is a directory, not an artifact", path)
	}

	if mode == VerifyContentHash {
		ok, err := c.verifyContentHash(key, path)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
	}

	// touch mtime for LRU eviction bookkeeping
	now := time.Now()
	os.Chtimes(path, now, now)
	return path, true, nil
}

func (c *Cache) verifyContentHash(key, path string) (bool, error) {
	manifestPath := filepath.Join(filepath.Dir(path), "manifest.sha256")
	want, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache: read manifest: %w", err)
	}
	got, err := hashFile(path)
	if err != nil {
		return false, err
	}
	return string(want) == got, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteManifest records the content hash of an artifact for later
// VerifyContentHash lookups.
func (c *Cache) WriteManifest(key string, t tile.ID) error {
	path := c.ArtifactPath(key, t)
	sum, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("cache: hash artifact: %w", err)
	}
	manifestPath := filepath.Join(filepath.Dir(path), "manifest.sha256")
	tmp := manifestPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sum), 0o644); err != nil {
		return fmt.Errorf("cache: write manifest: %w", err)
	}
	return os.Rename(tmp, manifestPath)
}

// Normalize runs fn at most once per key concurrently across callers in
// this process, via singleflight; concurrent callers for the same key
// block on the first caller's result rather than redoing the warp.
func (c *Cache) Normalize(key string, fn func() (string, error)) (string, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// normalizeResult carries the richer (path, coverage, warnings) tuple a
// build produces through singleflight, which only carries a single
// interface{} value per in-flight key. coverageBefore therefore only
// reflects the singleflight leader's own run; concurrent followers that
// were deduplicated into this same call see the leader's value rather
// than one computed from their own (nonexistent) build.
type normalizeResult struct {
	path           string
	coverageBefore float64
	warnings       []string
}

// Normalize2 is Normalize's counterpart for builders that also want to
// report the pre-fill coverage and non-fatal warnings gathered during
// the build, deduplicated across concurrent callers the same way as
// Normalize.
func (c *Cache) Normalize2(key string, fn func() (string, float64, []string, error)) (string, float64, []string, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		path, coverageBefore, warnings, ferr := fn()
		if ferr != nil {
			return nil, ferr
		}
		return normalizeResult{path: path, coverageBefore: coverageBefore, warnings: warnings}, nil
	})
	if err != nil {
		return "", 0, nil, err
	}
	r := v.(normalizeResult)
	return r.path, r.coverageBefore, r.warnings, nil
}

// Entry describes one on-disk cache entry for Clean's eviction pass.
type Entry struct {
	Dir   string
	MTime time.Time
	Size  int64
}

// List walks the cache root and returns every entry directory with its
// most recent mtime and total size, for LRU eviction decisions.
func (c *Cache) List() ([]Entry, error) {
	var entries []Entry
	shards, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.Root, shard.Name())
		dirs, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			dirPath := filepath.Join(shardPath, d.Name())
			mtime, size := statDir(dirPath)
			entries = append(entries, Entry{Dir: dirPath, MTime: mtime, Size: size})
		}
	}
	return entries, nil
}

func statDir(dir string) (time.Time, int64) {
	var latest time.Time
	var size int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		size += info.Size()
		return nil
	})
	return latest, size
}

// Clean evicts least-recently-used entries (oldest mtime first) until
// total cache size is <= maxBytes. Never runs automatically during a
// build; callers invoke it explicitly (the "cache clean" subcommand).
func (c *Cache) Clean(maxBytes int64) (evicted []string, err error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MTime.Before(entries[j].MTime) })

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if err := os.RemoveAll(e.Dir); err != nil {
			return evicted, fmt.Errorf("cache: evict %q: %w", e.Dir, err)
		}
		total -= e.Size
		evicted = append(evicted, e.Dir)
	}
	return evicted, nil
}
