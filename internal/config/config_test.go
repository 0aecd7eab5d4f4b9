package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TARGET_CRS", "RESAMPLING", "WORKERS", "CONTINUE_ON_ERROR",
		"JOBQUEUE_ENABLED", "DB_PASSWORD", "CACHE_S3_ENABLED", "CACHE_S3_BUCKET",
		"RUNNER_COMMAND",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaultsWithNoEnvFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Raster.TargetCRS != "EPSG:4326" {
		t.Errorf("TargetCRS = %q, want EPSG:4326", cfg.Raster.TargetCRS)
	}
	if cfg.Scheduler.Workers != 0 {
		t.Errorf("Workers = %d, want 0 (auto)", cfg.Scheduler.Workers)
	}
}

func TestLoadEnvLocalOverridesEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	localPath := filepath.Join(dir, ".env.local")

	if err := os.WriteFile(envPath, []byte("TARGET_CRS=EPSG:3857\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(localPath, []byte("TARGET_CRS=EPSG:4326\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Raster.TargetCRS != "EPSG:4326" {
		t.Errorf("TargetCRS = %q, want EPSG:4326 (.env.local should win)", cfg.Raster.TargetCRS)
	}
}

func TestLoadRejectsJobQueueEnabledWithoutPassword(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv("JOBQUEUE_ENABLED", "true")
	defer os.Unsetenv("JOBQUEUE_ENABLED")

	_, err := Load(filepath.Join(dir, ".env"))
	if err == nil {
		t.Fatal("expected error when JOBQUEUE_ENABLED set without DB_PASSWORD")
	}
}

func TestLoadRejectsRemoteCacheEnabledWithoutBucket(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv("CACHE_S3_ENABLED", "true")
	defer os.Unsetenv("CACHE_S3_ENABLED")

	_, err := Load(filepath.Join(dir, ".env"))
	if err == nil {
		t.Fatal("expected error when CACHE_S3_ENABLED set without CACHE_S3_BUCKET")
	}
}

func TestGetEnvListSplitsAndTrims(t *testing.T) {
	clearEnv(t)
	os.Setenv("RUNNER_COMMAND", "python3, Ortho4XP.py , --tile")
	defer os.Unsetenv("RUNNER_COMMAND")

	got := getEnvList("RUNNER_COMMAND", nil)
	want := []string{"python3", "Ortho4XP.py", "--tile"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
