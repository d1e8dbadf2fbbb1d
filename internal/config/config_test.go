package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required env vars for all subtests
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
		"WHISPER_URL":  "http://localhost:9000/v1/audio/transcriptions",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.BlobDir != "./media" {
			t.Errorf("BlobDir = %q, want ./media", cfg.BlobDir)
		}
		if cfg.WhisperTimeout != 5*time.Minute {
			t.Errorf("WhisperTimeout = %v, want 5m", cfg.WhisperTimeout)
		}
		if cfg.MaxUploadBytes != 25<<20 {
			t.Errorf("MaxUploadBytes = %d, want %d", cfg.MaxUploadBytes, 25<<20)
		}
		if cfg.RetentionMinAge != 7*24*time.Hour {
			t.Errorf("RetentionMinAge = %v, want 168h", cfg.RetentionMinAge)
		}
		if cfg.TranscribeWorkers != 4 {
			t.Errorf("TranscribeWorkers = %d, want 4", cfg.TranscribeWorkers)
		}
		if cfg.DBMaxConns != 16 || cfg.DBMinConns != 2 {
			t.Errorf("pool sizing = %d/%d, want 16/2", cfg.DBMaxConns, cfg.DBMinConns)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true, want false with no bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			BlobDir:     "/tmp/media",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.BlobDir != "/tmp/media" {
			t.Errorf("BlobDir = %q, want /tmp/media", cfg.BlobDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		c2 := setEnvs(t, map[string]string{
			"HTTP_ADDR":      ":7070",
			"S3_BUCKET":      "scribe-media",
			"WHISPER_MODEL":  "large-v3",
			"JOB_FAIL_AFTER": "2h",
		})
		defer c2()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":7070" {
			t.Errorf("HTTPAddr = %q, want :7070", cfg.HTTPAddr)
		}
		if !cfg.S3.Enabled() {
			t.Error("S3.Enabled() = false, want true")
		}
		if cfg.WhisperModel != "large-v3" {
			t.Errorf("WhisperModel = %q, want large-v3", cfg.WhisperModel)
		}
		if cfg.JobFailAfter != 2*time.Hour {
			t.Errorf("JobFailAfter = %v, want 2h", cfg.JobFailAfter)
		}
	})

	t.Run("missing_required_fails", func(t *testing.T) {
		old := os.Getenv("DATABASE_URL")
		os.Unsetenv("DATABASE_URL")
		defer os.Setenv("DATABASE_URL", old)

		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("Load succeeded without DATABASE_URL, want error")
		}
	})
}

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	old := make(map[string]string, len(envs))
	for k, v := range envs {
		old[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range old {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}
