// Package config loads build pipeline configuration from environment
// variables with a .env/.env.local overlay, the same convention the
// original service config loader used: .env.local wins when present,
// falling back to .env, both optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config aggregates every configurable group the build pipeline needs.
type Config struct {
	Raster      RasterConfig
	Runner      RunnerConfig
	Scheduler   SchedulerConfig
	Validation  ValidationConfig
	Enrichment  EnrichmentConfig
	RemoteCache RemoteCacheConfig
	JobQueue    JobQueueConfig
	Paths       PathsConfig
}

// RasterConfig controls normalization defaults.
type RasterConfig struct {
	TargetCRS       string
	ResolutionDeg   float64
	Resampling      string
	FillStrategy    string
	CoverageMinimum float64
	CoverageHardFail bool
}

// RunnerConfig controls the external mesh-generation tool invocation.
type RunnerConfig struct {
	Command           []string
	SourceRoot        string
	ConfigPath        string
	PersistConfig     bool
	TotalTimeoutSec   int
	NoOutputWindowSec int
	GracePeriodSec    int
	MaxRetries        int
}

// SchedulerConfig controls tile build concurrency.
type SchedulerConfig struct {
	Workers         int
	ContinueOnError bool
}

// ValidationConfig controls the post-build validation pass.
type ValidationConfig struct {
	Mode               string
	TextConvertCmd     []string
	AllowBoundsWarning bool
	Workers            int
}

// EnrichmentConfig controls the XP12 raster enrichment pass.
type EnrichmentConfig struct {
	ReferenceRoot string
	DSF2TextCmd   []string
	Text2DSFCmd   []string
	Strict        bool
}

// RemoteCacheConfig configures the optional S3-compatible remote cache tier.
type RemoteCacheConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	BucketPath      string
	Enabled         bool
}

// JobQueueConfig configures the optional Postgres-backed serve mode.
type JobQueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Enabled  bool
}

// PathsConfig holds filesystem roots the pipeline reads/writes.
type PathsConfig struct {
	DEMSourceDir string
	OutputDir    string
	ScratchDir   string
}

// Load reads configuration from environment variables, after applying a
// .env/.env.local overlay rooted at envPath (typically "./.env").
// .env.local always wins over .env when both are present.
func Load(envPath string) (*Config, error) {
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := loadEnvFile(localEnvPath); err != nil {
			return nil, fmt.Errorf("config: load local env file: %w", err)
		}
	} else if _, err := os.Stat(envPath); err == nil {
		if err := loadEnvFile(envPath); err != nil {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
	}

	cfg := &Config{
		Raster: RasterConfig{
			TargetCRS:        getEnv("TARGET_CRS", "EPSG:4326"),
			ResolutionDeg:    getEnvFloat("TARGET_RESOLUTION_DEG", 1.0/3600),
			Resampling:       getEnv("RESAMPLING", "bilinear"),
			FillStrategy:     getEnv("FILL_STRATEGY", "interpolate"),
			CoverageMinimum:  getEnvFloat("COVERAGE_MINIMUM", 0.95),
			CoverageHardFail: getEnvBool("COVERAGE_HARD_FAIL", false),
		},
		Runner: RunnerConfig{
			Command:           getEnvList("RUNNER_COMMAND", nil),
			SourceRoot:        getEnv("RUNNER_SOURCE_ROOT", ""),
			ConfigPath:        getEnv("RUNNER_CONFIG_PATH", "Ortho4XP.cfg"),
			PersistConfig:     getEnvBool("RUNNER_PERSIST_CONFIG", false),
			TotalTimeoutSec:   getEnvInt("RUNNER_TOTAL_TIMEOUT_SEC", 1800),
			NoOutputWindowSec: getEnvInt("RUNNER_NO_OUTPUT_WINDOW_SEC", 300),
			GracePeriodSec:    getEnvInt("RUNNER_GRACE_PERIOD_SEC", 30),
			MaxRetries:        getEnvInt("RUNNER_MAX_RETRIES", 3),
		},
		Scheduler: SchedulerConfig{
			Workers:         getEnvInt("WORKERS", 0),
			ContinueOnError: getEnvBool("CONTINUE_ON_ERROR", true),
		},
		Validation: ValidationConfig{
			Mode:               getEnv("VALIDATION_MODE", "bounds"),
			TextConvertCmd:     getEnvList("DSFTOOL_COMMAND", []string{"DSFTool"}),
			AllowBoundsWarning: getEnvBool("VALIDATION_ALLOW_BOUNDS_WARNING", false),
			Workers:            getEnvInt("VALIDATION_WORKERS", 0),
		},
		Enrichment: EnrichmentConfig{
			ReferenceRoot: getEnv("ENRICHMENT_REFERENCE_ROOT", ""),
			DSF2TextCmd:   getEnvList("DSFTOOL_COMMAND", []string{"DSFTool"}),
			Text2DSFCmd:   getEnvList("DSFTOOL_COMMAND", []string{"DSFTool"}),
			Strict:        getEnvBool("XP12_STRICT", false),
		},
		RemoteCache: RemoteCacheConfig{
			Endpoint:        getEnv("CACHE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("CACHE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("CACHE_S3_SECRET_ACCESS_KEY", ""),
			Region:          getEnv("CACHE_S3_REGION", "us-east-1"),
			Bucket:          getEnv("CACHE_S3_BUCKET", ""),
			BucketPath:      getEnv("CACHE_S3_BUCKET_PATH", "normalized-cache"),
			Enabled:         getEnvBool("CACHE_S3_ENABLED", false),
		},
		JobQueue: JobQueueConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "kubolti"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Enabled:  getEnvBool("JOBQUEUE_ENABLED", false),
		},
		Paths: PathsConfig{
			DEMSourceDir: getEnv("DEM_SOURCE_DIR", "./dem-sources"),
			OutputDir:    getEnv("OUTPUT_DIR", "./build-output"),
			ScratchDir:   getEnv("SCRATCH_DIR", "/tmp/kubolti-scratch"),
		},
	}

	if cfg.JobQueue.Enabled && cfg.JobQueue.Password == "" {
		return nil, fmt.Errorf("config: DB_PASSWORD is required when JOBQUEUE_ENABLED is set")
	}
	if cfg.RemoteCache.Enabled && cfg.RemoteCache.Bucket == "" {
		return nil, fmt.Errorf("config: CACHE_S3_BUCKET is required when CACHE_S3_ENABLED is set")
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
