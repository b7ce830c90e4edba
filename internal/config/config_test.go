package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "browservm.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.WorkDir = "/tmp/browservm"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
workdir: /var/lib/browservm
polling:
  interval_seconds: 2
  shutdown_timeout_minutes: 90
reuse:
  win7_base: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkDir != "/var/lib/browservm" {
		t.Fatalf("workdir not applied: %s", cfg.WorkDir)
	}
	if cfg.Polling.Interval() != 2*time.Second {
		t.Fatalf("interval not applied: %s", cfg.Polling.Interval())
	}
	if cfg.Polling.ShutdownTimeout() != 90*time.Minute {
		t.Fatalf("shutdown timeout not applied: %s", cfg.Polling.ShutdownTimeout())
	}
	if cfg.Reuse.Win7Base {
		t.Fatal("reuse override not applied")
	}
	// Untouched fields keep their defaults.
	if cfg.Guest.User != "IEUser" || cfg.Download.MaxAttempts != 3 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("BROWSERVM_GUEST_USER", "Admin")
	t.Setenv("BROWSERVM_VBOXMANAGE", "/opt/vbox/VBoxManage")

	path := writeConfig(t, "workdir: /tmp/browservm\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Guest.User != "Admin" {
		t.Fatalf("guest user override not applied: %s", cfg.Guest.User)
	}
	if cfg.VBox.ManageBin != "/opt/vbox/VBoxManage" {
		t.Fatalf("vboxmanage override not applied: %s", cfg.VBox.ManageBin)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"workdir: ''\n",
		"polling:\n  interval_seconds: 0\n",
		"download:\n  max_attempts: 0\n",
		"guest:\n  batch_path: relative.bat\n",
		"guest:\n  task_name: 'bad name'\n",
	}
	for _, content := range cases {
		full := "workdir: /tmp/browservm\n" + content
		if content[:7] == "workdir" {
			full = content
		}
		if _, err := Load(writeConfig(t, full)); err == nil {
			t.Fatalf("expected validation error for %q", content)
		}
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Guest.TaskName != "browservm" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestZeroTimeoutsMeanWaitForever(t *testing.T) {
	cfg := Default()
	if cfg.Polling.ShutdownTimeout() != 0 || cfg.Polling.GuestReadyTimeout() != 0 {
		t.Fatal("default waits must be unbounded")
	}
}
