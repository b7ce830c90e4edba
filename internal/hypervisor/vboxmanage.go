package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CommandRunner executes a command and returns its combined output.
// This is the seam for testing — swap the real exec with a fake.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommandRunner runs a real command via os/exec.
func ExecCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const guestAdditionsRunLevelProperty = "/VirtualBox/GuestAdd/GuestAdditionsRunLevel"

var (
	vmStateRE        = regexp.MustCompile(`(?m)^VMState="([^"]*)"`)
	guestPropValueRE = regexp.MustCompile(`^Value:\s*(\S+)`)
)

// VBoxManage drives VirtualBox through its admin CLI.
type VBoxManage struct {
	bin    string
	runner CommandRunner
	logger *slog.Logger
}

type VBoxOption func(*VBoxManage)

func WithRunner(r CommandRunner) VBoxOption {
	return func(v *VBoxManage) { v.runner = r }
}

func NewVBoxManage(bin string, logger *slog.Logger, opts ...VBoxOption) *VBoxManage {
	if strings.TrimSpace(bin) == "" {
		bin = "VBoxManage"
	}
	v := &VBoxManage{bin: bin, runner: ExecCommandRunner, logger: logger}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *VBoxManage) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	v.logger.Debug("vboxmanage", "op", op, "args", strings.Join(args, " "))
	out, err := v.runner(ctx, v.bin, args...)
	if err != nil {
		return out, &CommandError{Op: op, Args: args, Stderr: string(out), Err: err}
	}
	return out, nil
}

func (v *VBoxManage) ListVM(ctx context.Context, name string) (bool, error) {
	out, err := v.run(ctx, "list", "list", "vms")
	if err != nil {
		return false, err
	}
	needle := fmt.Sprintf("%q", name)
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (v *VBoxManage) ImportImage(ctx context.Context, archivePath, name, diskPath string) error {
	args := []string{"import", archivePath, "--vsys", "0", "--vmname", name}
	if diskPath != "" {
		args = append(args, "--unit", "11", "--disk", diskPath)
	}
	_, err := v.run(ctx, "import", args...)
	return err
}

func (v *VBoxManage) StartHeadless(ctx context.Context, name string) error {
	_, err := v.run(ctx, "startvm", "startvm", name, "--type", "headless")
	return err
}

func (v *VBoxManage) QueryPowerState(ctx context.Context, name string) (PowerState, error) {
	out, err := v.run(ctx, "showvminfo", "showvminfo", name, "--machinereadable")
	if err != nil {
		return StateUnknown, err
	}
	m := vmStateRE.FindSubmatch(out)
	if m == nil {
		return StateUnknown, &CommandError{Op: "showvminfo", Err: errors.New("no VMState in output")}
	}
	return parseVMState(string(m[1])), nil
}

func parseVMState(state string) PowerState {
	switch state {
	case "poweroff", "saved":
		return StateOff
	case "starting", "restoring":
		return StateStarting
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "aborted":
		return StateAborted
	default:
		return StateUnknown
	}
}

func (v *VBoxManage) QueryGuestAgentLevel(ctx context.Context, name string) (int, error) {
	out, err := v.run(ctx, "guestproperty", "guestproperty", "get", name, guestAdditionsRunLevelProperty)
	if err != nil {
		return 0, err
	}
	m := guestPropValueRE.FindSubmatch([]byte(strings.TrimSpace(string(out))))
	if m == nil {
		// "No value set!" until additions report in.
		return 0, nil
	}
	level, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, &CommandError{Op: "guestproperty", Err: fmt.Errorf("parse run level %q: %w", m[1], err)}
	}
	return level, nil
}

func (v *VBoxManage) AttachMedia(ctx context.Context, name, isoPath string) error {
	_, err := v.run(ctx, "storageattach", "storageattach", name,
		"--storagectl", "IDE Controller",
		"--port", "1", "--device", "0",
		"--type", "dvddrive",
		"--medium", isoPath,
	)
	return err
}

func (v *VBoxManage) EjectMedia(ctx context.Context, name string) error {
	_, err := v.run(ctx, "storageattach", "storageattach", name,
		"--storagectl", "IDE Controller",
		"--port", "1", "--device", "0",
		"--type", "dvddrive",
		"--medium", "emptydrive",
	)
	return err
}

func (v *VBoxManage) RunInGuest(ctx context.Context, name string, creds GuestCredentials, executable string, args []string) (int, error) {
	cmdArgs := []string{"guestcontrol", name, "run",
		"--username", creds.User,
		"--password", creds.Password,
		"--exe", executable,
		"--",
	}
	cmdArgs = append(cmdArgs, executable)
	cmdArgs = append(cmdArgs, args...)

	out, err := v.runner(ctx, v.bin, cmdArgs...)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, &CommandError{Op: "guestcontrol run", Args: cmdArgs, Stderr: string(out), Err: err}
}

func (v *VBoxManage) CopyToGuest(ctx context.Context, name string, creds GuestCredentials, localPath, remotePath string) error {
	_, err := v.run(ctx, "guestcontrol copyto", "guestcontrol", name, "copyto",
		"--username", creds.User,
		"--password", creds.Password,
		"--target-directory", guestDir(remotePath),
		localPath,
	)
	return err
}

func (v *VBoxManage) CopyFromGuest(ctx context.Context, name string, creds GuestCredentials, remotePath, localPath string) error {
	_, err := v.run(ctx, "guestcontrol copyfrom", "guestcontrol", name, "copyfrom",
		"--username", creds.User,
		"--password", creds.Password,
		"--target-directory", localPath,
		remotePath,
	)
	return err
}

func (v *VBoxManage) SetExtraMetadata(ctx context.Context, name, key, value string) error {
	_, err := v.run(ctx, "setextradata", "setextradata", name, key, value)
	return err
}

func (v *VBoxManage) TakeSnapshot(ctx context.Context, name, label, description string) error {
	_, err := v.run(ctx, "snapshot", "snapshot", name, "take", label, "--description", description)
	return err
}

// guestDir returns the Windows-style parent directory of a guest path.
func guestDir(remotePath string) string {
	idx := strings.LastIndexAny(remotePath, `\/`)
	if idx <= 0 {
		return remotePath
	}
	return remotePath[:idx]
}
