package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != time.Second || cfg.ListTimeout != 10*time.Second || cfg.CaptureTimeout != 20*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ADBPath != "adb" || cfg.QueueCapacity != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.yaml")
	content := `
adb_path: /data/sdk/platform-tools/adb
poll_interval: 250ms
default_host: gpu-box
stream_all: true
ssh:
  insecure_ignore_host_key: true
  connect_timeout: 3s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ADBPath != "/data/sdk/platform-tools/adb" {
		t.Fatalf("unexpected adb path %q", cfg.ADBPath)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
	if cfg.DefaultHost != "gpu-box" || !cfg.StreamAll {
		t.Fatalf("unexpected host settings: %+v", cfg)
	}
	if !cfg.SSH.InsecureIgnoreHostKey || cfg.SSH.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected ssh settings: %+v", cfg.SSH)
	}
	if cfg.CaptureTimeout != 20*time.Second || cfg.ListenAddr != ":8080" {
		t.Fatalf("fields absent from the file must keep defaults: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: 0s\nqueue_capacity: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"poll_interval", "queue_capacity"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
