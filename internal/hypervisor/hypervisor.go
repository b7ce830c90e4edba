// Package hypervisor abstracts the VM manager behind a command interface.
// The orchestrator treats it as a black box: it issues commands and polls
// the coarse state the hypervisor exposes (power state, guest additions
// run level). The real implementation shells out to VBoxManage.
package hypervisor

import (
	"context"
	"fmt"
	"strings"
)

// PowerState is the coarse hypervisor-reported machine state.
type PowerState int

const (
	StateUnknown PowerState = iota
	StateOff
	StateStarting
	StateRunning
	StatePaused
	StateAborted
)

func (s PowerState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// GuestCredentials authenticate guest-control operations.
type GuestCredentials struct {
	User     string
	Password string
}

// Driver is the command interface consumed by the VM orchestrator.
// All operations are synchronous commands except StartHeadless, which
// only issues the boot; callers poll QueryPowerState afterwards.
type Driver interface {
	ListVM(ctx context.Context, name string) (bool, error)
	ImportImage(ctx context.Context, archivePath, name, diskPath string) error
	StartHeadless(ctx context.Context, name string) error
	QueryPowerState(ctx context.Context, name string) (PowerState, error)
	QueryGuestAgentLevel(ctx context.Context, name string) (int, error)
	AttachMedia(ctx context.Context, name, isoPath string) error
	EjectMedia(ctx context.Context, name string) error
	RunInGuest(ctx context.Context, name string, creds GuestCredentials, executable string, args []string) (int, error)
	CopyToGuest(ctx context.Context, name string, creds GuestCredentials, localPath, remotePath string) error
	CopyFromGuest(ctx context.Context, name string, creds GuestCredentials, remotePath, localPath string) error
	SetExtraMetadata(ctx context.Context, name, key, value string) error
	TakeSnapshot(ctx context.Context, name, label, description string) error
}

// CommandError reports a failed hypervisor command. It is fatal for the
// requesting VM build; the orchestrator never retries it.
type CommandError struct {
	Op     string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("hypervisor %s failed: %v", e.Op, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " (" + s + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }
