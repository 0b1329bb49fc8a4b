package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != 50003 {
		t.Errorf("Expected port 50003, got %d", cfg.Port)
	}
	if cfg.UploadDir != "uploads" {
		t.Errorf("Expected upload dir uploads, got %s", cfg.UploadDir)
	}
	if cfg.WorkerSlots != 1 {
		t.Errorf("Expected 1 worker slot, got %d", cfg.WorkerSlots)
	}
	if cfg.StreamInterval != 100*time.Millisecond {
		t.Errorf("Expected stream interval 100ms, got %s", cfg.StreamInterval)
	}
	want := []string{"http://localhost:50003", "http://127.0.0.1:50003"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
}

func TestLoadConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scorefollow.yaml")
	yaml := `
port: 7000
upload_dir: /var/scores
retry_delay: 250ms
worker_slots: 2
allowed_origins: ["http://example.test"]
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SCOREFOLLOW_PORT", "9000")
	t.Setenv("SCOREFOLLOW_MAX_INPUT_RETRIES", "5")

	cfg, err := LoadConfig([]string{"-config", path, "-db", "flag.sqlite3", "-workers", "4"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Expected env to override YAML port, got %d", cfg.Port)
	}
	if cfg.UploadDir != "/var/scores" {
		t.Errorf("Expected YAML upload dir, got %s", cfg.UploadDir)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("Expected retry delay 250ms, got %s", cfg.RetryDelay)
	}
	if cfg.MaxInputRetries != 5 {
		t.Errorf("Expected 5 retries from env, got %d", cfg.MaxInputRetries)
	}
	if cfg.DBPath != "flag.sqlite3" {
		t.Errorf("Expected flag db path, got %s", cfg.DBPath)
	}
	if cfg.WorkerSlots != 4 {
		t.Errorf("Expected flag to override YAML worker slots, got %d", cfg.WorkerSlots)
	}
	if want := []string{"http://example.test"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("SCOREFOLLOW_PORT", "9000")

	cfg, err := LoadConfig([]string{"-port", "8081", "-origins", "*"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Port != 8081 {
		t.Errorf("Expected port 8081, got %d", cfg.Port)
	}
	if want := []string{"*"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-port", "0"},
		{"-engine", "psychic"},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml")},
	} {
		if _, err := LoadConfig(args); err == nil {
			t.Errorf("Expected error for %v", args)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}

	cfg.WorkerSlots = 0
	cfg.LogLevel = "chatty"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"worker_slots", "chatty"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %q", want, err)
		}
	}
}

func TestInitMessageDescriptor(t *testing.T) {
	tests := []struct {
		msg  InitMessage
		kind string
		dev  string
	}{
		{InitMessage{FileID: "a"}, "device", "Default Mic"},
		{InitMessage{FileID: "a", InputType: "audio", Device: "2"}, "device", "2"},
		{InitMessage{FileID: "a", InputType: "rendered"}, "rendered", ""},
		{InitMessage{FileID: "a", InputType: "simulated"}, "none", ""},
	}
	for _, tt := range tests {
		desc, err := tt.msg.Descriptor("Default Mic")
		if err != nil {
			t.Fatalf("Descriptor(%+v): unexpected error %v", tt.msg, err)
		}
		if string(desc.Kind) != tt.kind || desc.Device != tt.dev {
			t.Errorf("Descriptor(%+v): expected %s/%q, got %s/%q", tt.msg, tt.kind, tt.dev, desc.Kind, desc.Device)
		}
	}

	bad := InitMessage{}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for missing file_id")
	}
}
