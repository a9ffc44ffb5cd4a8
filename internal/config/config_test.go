package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := writeFile(t, dir, "config.yaml", `
vsphere:
  url: https://vc.example.com/sdk
  username: admin
  insecure: true
defaults:
  placement: most-space
  tick_interval: 1s
  task_timeout: 5m
guest:
  user: root
  key_path: /home/op/.ssh/id_ed25519
report:
  path: /tmp/runs.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VSphere.URL != "https://vc.example.com/sdk" || !cfg.VSphere.Insecure {
		t.Errorf("vsphere = %+v", cfg.VSphere)
	}
	if cfg.Defaults.Placement != "most-space" || cfg.Defaults.TaskTimeout != 5*time.Minute {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if cfg.Guest.User != "root" {
		t.Errorf("guest = %+v", cfg.Guest)
	}
	if cfg.Report.Path != "/tmp/runs.db" {
		t.Errorf("report path = %q", cfg.Report.Path)
	}
}

func TestLoadEnvOverridesPassword(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := writeFile(t, dir, "config.yaml", `
vsphere:
  url: https://vc.example.com/sdk
  username: admin
  password: from-yaml
`)
	t.Setenv("VI_PASSWORD", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VSphere.Password != "from-env" {
		t.Errorf("password = %q, want env override", cfg.VSphere.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("VI_URL", "https://env.example.com/sdk")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("missing default config should not error: %v", err)
	}
	if cfg.VSphere.URL != "https://env.example.com/sdk" {
		t.Errorf("url = %q", cfg.VSphere.URL)
	}
	if cfg.Report.Path == "" {
		t.Error("report path not defaulted")
	}
}

func TestLoadSecretsEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secrets.env", `
# credentials
VI_USERNAME = operator
VI_PASSWORD=hunter2

not-a-pair
`)
	secrets, err := LoadSecretsEnv(path)
	if err != nil {
		t.Fatalf("LoadSecretsEnv: %v", err)
	}
	if secrets["VI_USERNAME"] != "operator" || secrets["VI_PASSWORD"] != "hunter2" {
		t.Errorf("secrets = %v", secrets)
	}
	if len(secrets) != 2 {
		t.Errorf("unexpected extra entries: %v", secrets)
	}
}

func TestLoadSecretsEnvMissing(t *testing.T) {
	secrets, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("missing secrets file should not error: %v", err)
	}
	if len(secrets) != 0 {
		t.Errorf("secrets = %v", secrets)
	}
}
