package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":6006" {
			t.Errorf("HTTPAddr = %q, want :6006", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.DocRoot != "./web" {
			t.Errorf("DocRoot = %q, want ./web", cfg.DocRoot)
		}
		if cfg.SampleRate != 16000 {
			t.Errorf("SampleRate = %d, want 16000", cfg.SampleRate)
		}
		if cfg.InputSampleRate != 16000 {
			t.Errorf("InputSampleRate = %d, want SampleRate when unset", cfg.InputSampleRate)
		}
		if cfg.DecodeWorkers != 1 {
			t.Errorf("DecodeWorkers = %d, want 1", cfg.DecodeWorkers)
		}
		if cfg.MaxActiveConnections != 500 {
			t.Errorf("MaxActiveConnections = %d, want 500", cfg.MaxActiveConnections)
		}
		if cfg.MaxMessageSize != 1<<20 {
			t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, 1<<20)
		}
		if cfg.S3.Enabled() {
			t.Error("S3 should be disabled without a bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		t.Setenv("HTTP_ADDR", ":7000")
		t.Setenv("DOC_ROOT", "/srv/env")
		cfg, err := Load(Overrides{
			EnvFile:       "nonexistent.env",
			HTTPAddr:      ":9090",
			LogLevel:      "debug",
			DocRoot:       "/srv/flag",
			DecodeWorkers: 4,
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
		if cfg.DocRoot != "/srv/flag" {
			t.Errorf("DocRoot = %q, want /srv/flag", cfg.DocRoot)
		}
		if cfg.DecodeWorkers != 4 {
			t.Errorf("DecodeWorkers = %d, want 4", cfg.DecodeWorkers)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		t.Setenv("SAMPLE_RATE", "8000")
		t.Setenv("INPUT_SAMPLE_RATE", "48000")
		t.Setenv("S3_BUCKET", "recordings")
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SampleRate != 8000 {
			t.Errorf("SampleRate = %d, want 8000", cfg.SampleRate)
		}
		if cfg.InputSampleRate != 48000 {
			t.Errorf("InputSampleRate = %d, want 48000", cfg.InputSampleRate)
		}
		if !cfg.S3.Enabled() {
			t.Error("S3 should be enabled when S3_BUCKET is set")
		}
	})

	t.Run("env_file_loaded", func(t *testing.T) {
		dir := t.TempDir()
		envFile := filepath.Join(dir, "test.env")
		if err := os.WriteFile(envFile, []byte("MQTT_TOPIC=from/envfile\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Unsetenv("MQTT_TOPIC") })

		cfg, err := Load(Overrides{EnvFile: envFile})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MQTTTopic != "from/envfile" {
			t.Errorf("MQTTTopic = %q, want from/envfile", cfg.MQTTTopic)
		}
	})

	t.Run("invalid_int_fails", func(t *testing.T) {
		t.Setenv("DECODE_WORKERS", "many")
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected parse error for DECODE_WORKERS=many")
		}
	})
}

func TestValidate(t *testing.T) {
	validRoot := func(t *testing.T) string {
		t.Helper()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
			t.Fatal(err)
		}
		return dir
	}
	base := func(t *testing.T) *Config {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env", DocRoot: validRoot(t)})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		if err := base(t).Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("missing_doc_root", func(t *testing.T) {
		cfg := base(t)
		cfg.DocRoot = filepath.Join(t.TempDir(), "nope")
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing DOC_ROOT")
		}
	})

	t.Run("missing_index", func(t *testing.T) {
		cfg := base(t)
		cfg.DocRoot = t.TempDir()
		err := cfg.Validate()
		if !errors.Is(err, ErrMissingIndex) {
			t.Errorf("err = %v, want ErrMissingIndex", err)
		}
	})

	t.Run("zero_workers", func(t *testing.T) {
		cfg := base(t)
		cfg.DecodeWorkers = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for DECODE_WORKERS=0")
		}
	})

	t.Run("zero_archive_workers", func(t *testing.T) {
		cfg := base(t)
		cfg.ArchiveWorkers = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for ARCHIVE_WORKERS=0")
		}
	})

	t.Run("negative_archive_queue", func(t *testing.T) {
		cfg := base(t)
		cfg.ArchiveQueueSize = -1
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for ARCHIVE_QUEUE_SIZE=-1")
		}
	})

	t.Run("unbuffered_archive_queue_ok", func(t *testing.T) {
		cfg := base(t)
		cfg.ArchiveQueueSize = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("cert_without_key", func(t *testing.T) {
		cfg := base(t)
		cfg.CertFile = "cert.pem"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for CERT_FILE without KEY_FILE")
		}
	})

	t.Run("missing_recognizer_config", func(t *testing.T) {
		cfg := base(t)
		cfg.RecognizerFile = filepath.Join(t.TempDir(), "missing.yaml")
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing RECOGNIZER_CONFIG")
		}
	})
}
