package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Image != "python:3.12-slim" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if cfg.PrewarmCount != 2 || cfg.MaxContainers != 10 {
		t.Errorf("pool sizing = (%d, %d), want (2, 10)", cfg.PrewarmCount, cfg.MaxContainers)
	}
	if cfg.SessionTimeoutSeconds != 300 || cfg.MaxSessionTimeoutSeconds != 3600 {
		t.Errorf("timeouts = (%d, %d), want (300, 3600)", cfg.SessionTimeoutSeconds, cfg.MaxSessionTimeoutSeconds)
	}
	if cfg.WorkDir != "/workspace" || cfg.LabelPrefix != "sandman" {
		t.Errorf("workdir/prefix = (%q, %q)", cfg.WorkDir, cfg.LabelPrefix)
	}
	if cfg.ListenAddr != ":8080" || cfg.LogFormat != "console" {
		t.Errorf("listen/log = (%q, %q)", cfg.ListenAddr, cfg.LogFormat)
	}
	if cfg.RabbitMQURL != "" || cfg.DatabaseURL != "" || cfg.ArchiveEnabled {
		t.Error("optional integrations should default off")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SANDBOX_IMAGE", "ghcr.io/acme/sandbox:1.4")
	t.Setenv("PREWARM_COUNT", "5")
	t.Setenv("MAX_CONTAINERS", "20")
	t.Setenv("SESSION_TIMEOUT_SECONDS", "60")
	t.Setenv("WORK_DIR", "/srv/work")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("ARCHIVE_BUCKET", "transcripts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Image != "ghcr.io/acme/sandbox:1.4" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if cfg.PrewarmCount != 5 || cfg.MaxContainers != 20 {
		t.Errorf("pool sizing = (%d, %d)", cfg.PrewarmCount, cfg.MaxContainers)
	}
	if cfg.SessionTimeoutSeconds != 60 {
		t.Errorf("SessionTimeoutSeconds = %d", cfg.SessionTimeoutSeconds)
	}
	if cfg.WorkDir != "/srv/work" || cfg.LogFormat != "json" {
		t.Errorf("workdir/log = (%q, %q)", cfg.WorkDir, cfg.LogFormat)
	}
	if !cfg.ArchiveEnabled || cfg.ArchiveBucket != "transcripts" {
		t.Errorf("archive = (%v, %q)", cfg.ArchiveEnabled, cfg.ArchiveBucket)
	}
}

func TestLoadUnparseableFallsBack(t *testing.T) {
	t.Setenv("PREWARM_COUNT", "many")
	t.Setenv("ARCHIVE_ENABLED", "sure")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PrewarmCount != 2 {
		t.Errorf("PrewarmCount = %d, want the 2 default", cfg.PrewarmCount)
	}
	if cfg.ArchiveEnabled {
		t.Error("ArchiveEnabled = true, want the false default")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad image reference", "SANDBOX_IMAGE", "UPPER CASE???", "invalid SANDBOX_IMAGE"},
		{"zero max containers", "MAX_CONTAINERS", "0", "MAX_CONTAINERS"},
		{"negative prewarm", "PREWARM_COUNT", "-1", "PREWARM_COUNT"},
		{"zero session timeout", "SESSION_TIMEOUT_SECONDS", "0", "SESSION_TIMEOUT_SECONDS"},
		{"max below default timeout", "MAX_SESSION_TIMEOUT_SECONDS", "10", "MAX_SESSION_TIMEOUT_SECONDS"},
		{"zero command timeout", "COMMAND_TIMEOUT_SECONDS", "0", "COMMAND_TIMEOUT_SECONDS"},
		{"relative work dir", "WORK_DIR", "workspace", "WORK_DIR"},
		{"unknown log format", "LOG_FORMAT", "xml", "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load accepted %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestArchiveRequiresBucket(t *testing.T) {
	t.Setenv("ARCHIVE_ENABLED", "true")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted archival without a bucket")
	}

	t.Setenv("ARCHIVE_BUCKET", "transcripts")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
