package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds browservm build settings. It is threaded explicitly through
// the fetcher and orchestrator constructors; nothing reads ambient globals.
type Config struct {
	WorkDir  string         `yaml:"workdir"`
	Guest    GuestConfig    `yaml:"guest"`
	Polling  PollingConfig  `yaml:"polling"`
	Download DownloadConfig `yaml:"download"`
	Reuse    ReuseConfig    `yaml:"reuse"`
	VBox     VBoxConfig     `yaml:"vbox"`
}

type GuestConfig struct {
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	TaskName  string `yaml:"task_name"`
	BatchPath string `yaml:"batch_path"`
}

type PollingConfig struct {
	IntervalSeconds          int `yaml:"interval_seconds"`
	ShutdownTimeoutMinutes   int `yaml:"shutdown_timeout_minutes"`
	GuestReadyTimeoutMinutes int `yaml:"guest_ready_timeout_minutes"`
}

type DownloadConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

type ReuseConfig struct {
	// Win7Base rebuilds the Win7 IE flavors from the IE8 base image with
	// in-place browser upgrades instead of downloading one image each.
	Win7Base bool `yaml:"win7_base"`
}

type VBoxConfig struct {
	ManageBin  string `yaml:"manage_bin"`
	MinVersion string `yaml:"min_version"`
	// GuestAdditionsISO, when set, is attached before the provisioning
	// boot so dated images can refresh their additions.
	GuestAdditionsISO string `yaml:"guest_additions_iso"`
}

func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p PollingConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutMinutes) * time.Minute
}

func (p PollingConfig) GuestReadyTimeout() time.Duration {
	return time.Duration(p.GuestReadyTimeoutMinutes) * time.Minute
}

func (d DownloadConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMinutes) * time.Minute
}

var (
	guestAbsPathRE = regexp.MustCompile(`^[A-Za-z]:\\`)
	taskNameRE     = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Default returns the built-in configuration, workable without any file.
func Default() Config {
	return Config{
		WorkDir: "~/.browservm",
		Guest: GuestConfig{
			User:      "IEUser",
			Password:  "Passw0rd!",
			TaskName:  "browservm",
			BatchPath: `C:\Users\IEUser\browservm.bat`,
		},
		Polling: PollingConfig{
			IntervalSeconds: 5,
			// Zero timeouts wait indefinitely: shutdown is always
			// guest-initiated at the end of a task batch.
			ShutdownTimeoutMinutes:   0,
			GuestReadyTimeoutMinutes: 0,
		},
		Download: DownloadConfig{MaxAttempts: 3},
		Reuse:    ReuseConfig{Win7Base: true},
		VBox:     VBoxConfig{ManageBin: "VBoxManage", MinVersion: "5.0"},
	}
}

// Load reads a YAML config, layered over defaults, with environment
// expansion and BROWSERVM_* overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(content))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	expandHomePaths(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when present and falls back to pure defaults
// otherwise, so a fresh checkout can build without a config step.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		cfg := Default()
		applyEnvOverrides(&cfg)
		expandHomePaths(&cfg)
		if verr := cfg.Validate(); verr != nil {
			return Config{}, verr
		}
		return cfg, nil
	}
	return Load(path)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROWSERVM_WORKDIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("BROWSERVM_GUEST_USER"); v != "" {
		cfg.Guest.User = v
	}
	if v := os.Getenv("BROWSERVM_GUEST_PASSWORD"); v != "" {
		cfg.Guest.Password = v
	}
	if v := os.Getenv("BROWSERVM_VBOXMANAGE"); v != "" {
		cfg.VBox.ManageBin = v
	}
}

func expandHomePaths(cfg *Config) {
	cfg.WorkDir = expandHome(cfg.WorkDir)
	cfg.VBox.ManageBin = expandHome(cfg.VBox.ManageBin)
}

func expandHome(path string) string {
	p := strings.TrimSpace(path)
	if p == "" || !strings.HasPrefix(p, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, strings.TrimPrefix(p, "~/"))
	}
	return path
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkDir) == "" {
		return fmt.Errorf("workdir is required")
	}
	if strings.TrimSpace(c.Guest.User) == "" {
		return fmt.Errorf("guest.user is required")
	}
	if strings.TrimSpace(c.Guest.Password) == "" {
		return fmt.Errorf("guest.password is required")
	}
	if !taskNameRE.MatchString(c.Guest.TaskName) {
		return fmt.Errorf("guest.task_name must match %s", taskNameRE.String())
	}
	if !guestAbsPathRE.MatchString(c.Guest.BatchPath) {
		return fmt.Errorf(`guest.batch_path must be an absolute Windows path (e.g. C:\Users\IEUser\browservm.bat)`)
	}
	if c.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("polling.interval_seconds must be > 0")
	}
	if c.Polling.ShutdownTimeoutMinutes < 0 {
		return fmt.Errorf("polling.shutdown_timeout_minutes must be >= 0 (0 waits forever)")
	}
	if c.Polling.GuestReadyTimeoutMinutes < 0 {
		return fmt.Errorf("polling.guest_ready_timeout_minutes must be >= 0 (0 waits forever)")
	}
	if c.Download.MaxAttempts <= 0 {
		return fmt.Errorf("download.max_attempts must be > 0")
	}
	if c.Download.TimeoutMinutes < 0 {
		return fmt.Errorf("download.timeout_minutes must be >= 0")
	}
	if strings.TrimSpace(c.VBox.ManageBin) == "" {
		return fmt.Errorf("vbox.manage_bin is required")
	}
	return nil
}
