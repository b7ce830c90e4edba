// Package vm drives one virtual machine as a remote state machine. The only
// externally visible signals are the hypervisor's power state and the guest
// additions run level; every transition is confirmed by polling.
package vm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/guestforge/browservm/internal/hypervisor"
)

// GuestReadyLevel is the additions run level at which the guest accepts
// command execution.
const GuestReadyLevel = 3

// DefaultPollInterval between hypervisor state queries.
const DefaultPollInterval = 5 * time.Second

// WaitConfig controls the polling waits. Zero timeouts wait indefinitely;
// shutdown is guest-initiated at the end of every task batch and trusted to
// eventually occur. Cancellation is available through the context either way.
type WaitConfig struct {
	Interval          time.Duration
	ShutdownTimeout   time.Duration
	GuestReadyTimeout time.Duration
}

// TimeoutError reports an exceeded wait deadline. Fatal for that VM build.
type TimeoutError struct {
	Op     string
	VM     string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out waiting for %s after %s", e.VM, e.Op, e.Waited.Truncate(time.Millisecond))
}

// Config describes one orchestrated machine.
type Config struct {
	Name           string
	Dir            string // host-side working dir for generated files and exports
	Creds          hypervisor.GuestCredentials
	TaskName       string // pre-registered scheduled task triggered for batches
	GuestBatchPath string // fixed guest path the batch file is copied to
	Wait           WaitConfig
}

// Machine is exclusively owned by one provisioning run. The cached state
// fields are advisory; the hypervisor is the source of truth and is
// re-queried on every wait.
type Machine struct {
	cfg    Config
	hv     hypervisor.Driver
	logger *slog.Logger

	lastState hypervisor.PowerState
	lastLevel int
}

func New(cfg Config, hv hypervisor.Driver, logger *slog.Logger) *Machine {
	if cfg.Wait.Interval <= 0 {
		cfg.Wait.Interval = DefaultPollInterval
	}
	return &Machine{cfg: cfg, hv: hv, logger: logger}
}

func (m *Machine) Name() string { return m.cfg.Name }
func (m *Machine) Dir() string  { return m.cfg.Dir }

// EnsureImported imports the appliance unless a VM of this name already
// exists. Re-running a build against an existing VM skips the import and
// reconciles the remaining steps.
func (m *Machine) EnsureImported(ctx context.Context, archivePath, diskPath string) (bool, error) {
	exists, err := m.hv.ListVM(ctx, m.cfg.Name)
	if err != nil {
		return false, err
	}
	if exists {
		m.logger.Info("vm already imported, skipping", "vm", m.cfg.Name)
		return false, nil
	}
	m.logger.Info("importing appliance", "vm", m.cfg.Name, "archive", archivePath)
	if err := m.hv.ImportImage(ctx, archivePath, m.cfg.Name, diskPath); err != nil {
		return false, err
	}
	return true, nil
}

// Start issues a headless boot. It does not wait; callers follow up with
// AwaitGuestReady or AwaitShutdown depending on the step.
func (m *Machine) Start(ctx context.Context) error {
	m.logger.Info("starting vm headless", "vm", m.cfg.Name)
	if err := m.hv.StartHeadless(ctx, m.cfg.Name); err != nil {
		return err
	}
	m.lastState = hypervisor.StateStarting
	return nil
}

// AwaitShutdown blocks until the hypervisor reports the machine off.
func (m *Machine) AwaitShutdown(ctx context.Context) error {
	return m.pollUntil(ctx, "shutdown", m.cfg.Wait.ShutdownTimeout, func(ctx context.Context) (bool, error) {
		state, err := m.hv.QueryPowerState(ctx, m.cfg.Name)
		if err != nil {
			return false, err
		}
		m.lastState = state
		return state == hypervisor.StateOff, nil
	})
}

// AwaitGuestReady blocks until the guest additions run level reaches the
// command-execution threshold.
func (m *Machine) AwaitGuestReady(ctx context.Context) error {
	return m.pollUntil(ctx, "guest readiness", m.cfg.Wait.GuestReadyTimeout, func(ctx context.Context) (bool, error) {
		level, err := m.hv.QueryGuestAgentLevel(ctx, m.cfg.Name)
		if err != nil {
			return false, err
		}
		m.lastLevel = level
		return level >= GuestReadyLevel, nil
	})
}

func (m *Machine) AttachMedia(ctx context.Context, isoPath string) error {
	m.logger.Info("attaching media", "vm", m.cfg.Name, "iso", isoPath)
	return m.hv.AttachMedia(ctx, m.cfg.Name, isoPath)
}

func (m *Machine) EjectMedia(ctx context.Context) error {
	m.logger.Info("ejecting media", "vm", m.cfg.Name)
	return m.hv.EjectMedia(ctx, m.cfg.Name)
}

func (m *Machine) SetExtraMetadata(ctx context.Context, key, value string) error {
	return m.hv.SetExtraMetadata(ctx, m.cfg.Name, key, value)
}

func (m *Machine) TakeSnapshot(ctx context.Context, label, description string) error {
	m.logger.Info("taking snapshot", "vm", m.cfg.Name, "label", label)
	return m.hv.TakeSnapshot(ctx, m.cfg.Name, label, description)
}

func (m *Machine) CopyToGuest(ctx context.Context, localPath, remotePath string) error {
	return m.hv.CopyToGuest(ctx, m.cfg.Name, m.cfg.Creds, localPath, remotePath)
}

// CopyFromGuest exports a guest file into the machine's working directory.
func (m *Machine) CopyFromGuest(ctx context.Context, remotePath, localPath string) error {
	return m.hv.CopyFromGuest(ctx, m.cfg.Name, m.cfg.Creds, remotePath, localPath)
}

func (m *Machine) RunInGuest(ctx context.Context, executable string, args []string) (int, error) {
	return m.hv.RunInGuest(ctx, m.cfg.Name, m.cfg.Creds, executable, args)
}

// pollUntil re-queries hypervisor state on a fixed interval until done
// reports true. The first query happens immediately. A configured deadline
// surfaces as *TimeoutError; context cancellation aborts the wait.
func (m *Machine) pollUntil(ctx context.Context, op string, timeout time.Duration, done func(context.Context) (bool, error)) error {
	started := time.Now()
	polls := 0
	for {
		polls++
		ok, err := done(ctx)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Debug("wait satisfied",
				"vm", m.cfg.Name,
				"op", op,
				"polls", polls,
				"elapsed", time.Since(started).Truncate(time.Millisecond).String(),
			)
			return nil
		}
		if timeout > 0 && time.Since(started) >= timeout {
			return &TimeoutError{Op: op, VM: m.cfg.Name, Waited: time.Since(started)}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: wait for %s canceled after %d polls: %w", m.cfg.Name, op, polls, ctx.Err())
		case <-time.After(m.cfg.Wait.Interval):
		}
	}
}

var (
	unsafeNameRE     = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	hyphenCollapseRE = regexp.MustCompile(`-+`)
)

// SanitizeName maps a VM display name onto a filesystem-safe directory name.
func SanitizeName(name string) string {
	s := unsafeNameRE.ReplaceAllString(name, "-")
	s = hyphenCollapseRE.ReplaceAllString(s, "-")
	return s
}
