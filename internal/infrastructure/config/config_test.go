package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"ADDR", "STORE_PATH", "CAPTURE_POLICY", "SYNC_ON_STOP", "BUFFER_CAPACITY"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	if cfg.Addr != ":9191" || cfg.StorePath != "" || !cfg.SyncOnStop {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	p, err := cfg.CapturePolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "full" || p.BufferCapacity != 100 {
		t.Fatalf("policy = %s", p)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testassist.yaml")
	yml := "addr: \":7000\"\nstore_path: /tmp/x.db\ncapture:\n  policy: lightweight\n  flush_interval_ms: 2000\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADDR", ":8000")
	t.Setenv("SYNC_ON_STOP", "false")
	t.Setenv("BUFFER_CAPACITY", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("env must win, addr=%s", cfg.Addr)
	}
	if cfg.StorePath != "/tmp/x.db" || cfg.SyncOnStop {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	p, _ := cfg.CapturePolicy()
	if p.Name != "lightweight" || p.FlushInterval != 2*time.Second || p.BufferCapacity != 50 {
		t.Fatalf("policy = %s", p)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("CAPTURE_POLICY", "everything")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadWithoutFileMatchesFromEnv(t *testing.T) {
	t.Setenv("ADDR", ":7100")
	t.Setenv("CAPTURE_POLICY", "minimal")
	t.Setenv("SYNC_ON_STOP", "false")
	t.Setenv("BUFFER_CAPACITY", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, FromEnv()) {
		t.Fatalf("Load(\"\") = %+v, FromEnv() = %+v", cfg, FromEnv())
	}
}
