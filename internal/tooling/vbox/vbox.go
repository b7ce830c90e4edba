// Package vbox resolves the VBoxManage binary and verifies the installed
// VirtualBox version before any build starts.
package vbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ResolveOptions controls VBoxManage binary resolution behavior.
type ResolveOptions struct {
	Bin string
}

// versionFn is swapped in tests.
var versionFn = queryVersion

func ResolveBinary(opts ResolveOptions) (string, error) {
	bin := strings.TrimSpace(opts.Bin)
	if bin == "" {
		return "", errors.New("VBoxManage binary is empty")
	}

	if isRunnable(bin) {
		if strings.Contains(bin, "/") {
			return bin, nil
		}
		path, err := exec.LookPath(bin)
		if err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("VBoxManage not found: %s", bin)
}

// Preflight resolves the binary and checks the reported VirtualBox version
// against the configured minimum. It returns the resolved path and the
// installed version string.
func Preflight(bin, minVersion string) (path string, version string, err error) {
	path, err = ResolveBinary(ResolveOptions{Bin: bin})
	if err != nil {
		return "", "", err
	}

	version, err = versionFn(path)
	if err != nil {
		return "", "", err
	}

	ok, err := AtLeast(version, minVersion)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("VirtualBox %s is older than required %s", version, minVersion)
	}
	return path, version, nil
}

// RequireConfig fails with an actionable message when the build config is
// missing; wrapper scripts call it before anything slow starts.
func RequireConfig(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("missing browservm config: %s\n  Run: browservm config", path)
	}
	return nil
}

func queryVersion(path string) (string, error) {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("query VirtualBox version: %w", err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", errors.New("VBoxManage reported an empty version")
	}
	return v, nil
}

// AtLeast compares dotted version strings numerically, ignoring any
// revision suffix ("7.0.18r162988" compares as 7.0.18).
func AtLeast(version, min string) (bool, error) {
	have, err := parseVersion(version)
	if err != nil {
		return false, fmt.Errorf("installed version %q: %w", version, err)
	}
	want, err := parseVersion(min)
	if err != nil {
		return false, fmt.Errorf("required version %q: %w", min, err)
	}
	for i := 0; i < len(want); i++ {
		h := 0
		if i < len(have) {
			h = have[i]
		}
		if h != want[i] {
			return h > want[i], nil
		}
	}
	return true, nil
}

func parseVersion(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if idx := strings.IndexAny(v, "r_-"); idx > 0 {
		v = v[:idx]
	}
	if v == "" {
		return nil, errors.New("empty version")
	}
	parts := strings.Split(v, ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad version component %q", p)
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func isRunnable(bin string) bool {
	if strings.Contains(bin, "/") {
		info, err := os.Stat(bin)
		return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
