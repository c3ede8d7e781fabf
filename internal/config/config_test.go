package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "9200" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "9200")
	}
	if cfg.Queue.Driver != "local" {
		t.Errorf("Queue.Driver = %q, want %q", cfg.Queue.Driver, "local")
	}
	if cfg.TTS.Timeout != 10*time.Minute {
		t.Errorf("TTS.Timeout = %v, want 10m", cfg.TTS.Timeout)
	}
	if cfg.TTS.QualityMode != "stable_korean" {
		t.Errorf("TTS.QualityMode = %q, want stable_korean", cfg.TTS.QualityMode)
	}
	if cfg.TTS.SilentFallback {
		t.Error("TTS.SilentFallback must default to false")
	}
	if cfg.Media.MinSlideSeconds != 5 {
		t.Errorf("Media.MinSlideSeconds = %d, want 5", cfg.Media.MinSlideSeconds)
	}
	if cfg.LLM.MaxTokens != 200 {
		t.Errorf("LLM.MaxTokens = %d, want 200", cfg.LLM.MaxTokens)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("QUEUE_DRIVER", "ASYNQ")
	t.Setenv("TTS_TIMEOUT", "90s")
	t.Setenv("TTS_SILENT_FALLBACK", "true")
	t.Setenv("STORAGE_DRIVER", "minio")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Queue.Driver != "asynq" {
		t.Errorf("Queue.Driver = %q, want asynq", cfg.Queue.Driver)
	}
	if cfg.TTS.Timeout != 90*time.Second {
		t.Errorf("TTS.Timeout = %v, want 90s", cfg.TTS.Timeout)
	}
	if !cfg.TTS.SilentFallback {
		t.Error("TTS.SilentFallback = false, want true")
	}
	if cfg.Storage.Driver != "minio" {
		t.Errorf("Storage.Driver = %q, want minio", cfg.Storage.Driver)
	}
}

func TestLoad_SecretFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	secretPath := filepath.Join(dir, "llm_key")
	if err := os.WriteFile(secretPath, []byte("sk-from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_API_KEY_FILE", secretPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-file" {
		t.Errorf("LLM.APIKey = %q, want sk-from-file", cfg.LLM.APIKey)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OUTPUT_DIR=/srv/videos\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("OUTPUT_DIR", "")
	os.Unsetenv("OUTPUT_DIR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Paths.OutputDir != "/srv/videos" {
		t.Errorf("Paths.OutputDir = %q, want /srv/videos", cfg.Paths.OutputDir)
	}
}
