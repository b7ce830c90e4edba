package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guestforge/browservm/internal/hypervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver scripts the observable hypervisor state. Power states and
// guest levels are consumed one per query; the last value repeats.
type fakeDriver struct {
	mu sync.Mutex

	vms         map[string]bool
	powerStates []hypervisor.PowerState
	guestLevels []int
	runExitCode int

	imports    []string
	starts     int
	powerPolls int
	levelPolls int
	runCalls   [][]string
	copiedTo   []string
	copiedFrom []string
	attached   []string
	ejected    int
	metadata   map[string]string
	snapshots  []string

	copyErr error
	runErr  error

	afterRun func(d *fakeDriver)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		vms:      map[string]bool{},
		metadata: map[string]string{},
	}
}

func (d *fakeDriver) ListVM(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vms[name], nil
}

func (d *fakeDriver) ImportImage(_ context.Context, archivePath, name, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imports = append(d.imports, archivePath)
	d.vms[name] = true
	return nil
}

func (d *fakeDriver) StartHeadless(_ context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return nil
}

func (d *fakeDriver) QueryPowerState(_ context.Context, _ string) (hypervisor.PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerPolls++
	if len(d.powerStates) == 0 {
		return hypervisor.StateRunning, nil
	}
	state := d.powerStates[0]
	if len(d.powerStates) > 1 {
		d.powerStates = d.powerStates[1:]
	}
	return state, nil
}

func (d *fakeDriver) QueryGuestAgentLevel(_ context.Context, _ string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levelPolls++
	if len(d.guestLevels) == 0 {
		return 0, nil
	}
	level := d.guestLevels[0]
	if len(d.guestLevels) > 1 {
		d.guestLevels = d.guestLevels[1:]
	}
	return level, nil
}

func (d *fakeDriver) AttachMedia(_ context.Context, _, isoPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached = append(d.attached, isoPath)
	return nil
}

func (d *fakeDriver) EjectMedia(_ context.Context, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ejected++
	return nil
}

func (d *fakeDriver) RunInGuest(_ context.Context, _ string, _ hypervisor.GuestCredentials, executable string, args []string) (int, error) {
	d.mu.Lock()
	d.runCalls = append(d.runCalls, append([]string{executable}, args...))
	code := d.runExitCode
	err := d.runErr
	after := d.afterRun
	d.mu.Unlock()
	if err != nil {
		return -1, err
	}
	if after != nil {
		after(d)
	}
	return code, nil
}

func (d *fakeDriver) CopyToGuest(_ context.Context, _ string, _ hypervisor.GuestCredentials, localPath, remotePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.copyErr != nil {
		return d.copyErr
	}
	d.copiedTo = append(d.copiedTo, localPath+" -> "+remotePath)
	return nil
}

func (d *fakeDriver) CopyFromGuest(_ context.Context, _ string, _ hypervisor.GuestCredentials, remotePath, localPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.copiedFrom = append(d.copiedFrom, remotePath+" -> "+localPath)
	return nil
}

func (d *fakeDriver) SetExtraMetadata(_ context.Context, _, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[key] = value
	return nil
}

func (d *fakeDriver) TakeSnapshot(_ context.Context, _, label, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots = append(d.snapshots, label)
	return nil
}

func testMachine(t *testing.T, d *fakeDriver) *Machine {
	t.Helper()
	return New(Config{
		Name:           "IE8 - Win7",
		Dir:            filepath.Join(t.TempDir(), "IE8-Win7"),
		Creds:          hypervisor.GuestCredentials{User: "IEUser", Password: "Passw0rd!"},
		TaskName:       "browservm",
		GuestBatchPath: `C:\Users\IEUser\browservm.bat`,
		Wait:           WaitConfig{Interval: time.Millisecond},
	}, d, testLogger())
}

func TestAwaitGuestReadyReturnsOnFourthPoll(t *testing.T) {
	d := newFakeDriver()
	d.guestLevels = []int{0, 0, 1, 3}
	m := testMachine(t, d)

	if err := m.AwaitGuestReady(context.Background()); err != nil {
		t.Fatalf("AwaitGuestReady failed: %v", err)
	}
	if d.levelPolls != 4 {
		t.Fatalf("expected 4 polls, got %d", d.levelPolls)
	}
}

func TestAwaitShutdownReturnsOnlyWhenOff(t *testing.T) {
	d := newFakeDriver()
	d.powerStates = []hypervisor.PowerState{
		hypervisor.StateRunning,
		hypervisor.StateRunning,
		hypervisor.StateOff,
	}
	m := testMachine(t, d)

	if err := m.AwaitShutdown(context.Background()); err != nil {
		t.Fatalf("AwaitShutdown failed: %v", err)
	}
	if d.powerPolls != 3 {
		t.Fatalf("expected 3 polls, got %d", d.powerPolls)
	}
}

func TestAwaitShutdownBlocksForeverWithoutDeadline(t *testing.T) {
	d := newFakeDriver()
	d.powerStates = []hypervisor.PowerState{hypervisor.StateRunning}
	m := testMachine(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.AwaitShutdown(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("AwaitShutdown returned while guest still running: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitShutdown did not honor cancellation")
	}
}

func TestAwaitShutdownDeadlineSurfacesTimeoutError(t *testing.T) {
	d := newFakeDriver()
	d.powerStates = []hypervisor.PowerState{hypervisor.StateRunning}
	m := New(Config{
		Name: "vm",
		Dir:  t.TempDir(),
		Wait: WaitConfig{Interval: time.Millisecond, ShutdownTimeout: 5 * time.Millisecond},
	}, d, testLogger())

	err := m.AwaitShutdown(context.Background())
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestEnsureImportedSkipsExistingVM(t *testing.T) {
	d := newFakeDriver()
	d.vms["IE8 - Win7"] = true
	m := testMachine(t, d)

	imported, err := m.EnsureImported(context.Background(), "/work/ie8.ova", "")
	if err != nil {
		t.Fatalf("EnsureImported failed: %v", err)
	}
	if imported {
		t.Fatal("expected import to be skipped")
	}
	if len(d.imports) != 0 {
		t.Fatalf("unexpected import calls: %v", d.imports)
	}
}

func TestEnsureImportedIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	m := testMachine(t, d)

	for i := 0; i < 2; i++ {
		if _, err := m.EnsureImported(context.Background(), "/work/ie8.ova", ""); err != nil {
			t.Fatalf("EnsureImported run %d failed: %v", i+1, err)
		}
	}
	if len(d.imports) != 1 {
		t.Fatalf("expected exactly one import, got %d", len(d.imports))
	}
}

func TestStartDoesNotWait(t *testing.T) {
	d := newFakeDriver()
	m := testMachine(t, d)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if d.starts != 1 {
		t.Fatalf("expected one headless start, got %d", d.starts)
	}
	if d.powerPolls != 0 || d.levelPolls != 0 {
		t.Fatal("Start must not poll; callers await explicitly")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"IE8 - Win7":   "IE8-Win7",
		"Edge / Win10": "Edge-Win10",
		"plain":        "plain",
		"a  b!!c":      "a-b-c",
		"IE11.Win8.1":  "IE11.Win8.1",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunTaskBatchWritesCRLFBatchWithTrailingShutdown(t *testing.T) {
	d := newFakeDriver()
	d.powerStates = []hypervisor.PowerState{hypervisor.StateOff}
	m := testMachine(t, d)

	lines := []string{
		`C:\Users\IEUser\install.exe /quiet /norestart`,
		`regedit.exe /s C:\Users\IEUser\tweaks.reg`,
	}
	if err := m.RunTaskBatch(context.Background(), lines); err != nil {
		t.Fatalf("RunTaskBatch failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(m.Dir(), "browservm.bat"))
	if err != nil {
		t.Fatalf("batch file not written: %v", err)
	}
	content := string(data)
	if !strings.HasSuffix(content, shutdownCommand+"\r\n") {
		t.Fatalf("batch must end with shutdown command, got %q", content)
	}
	if strings.Count(content, "\r\n") != 3 {
		t.Fatalf("expected CRLF-terminated lines, got %q", content)
	}
	if !strings.HasPrefix(content, lines[0]+"\r\n"+lines[1]) {
		t.Fatalf("command order not preserved: %q", content)
	}
}

func TestRunTaskBatchTriggersScheduledTaskThenAwaitsShutdown(t *testing.T) {
	d := newFakeDriver()
	d.powerStates = []hypervisor.PowerState{hypervisor.StateRunning, hypervisor.StateOff}
	m := testMachine(t, d)

	if err := m.RunTaskBatch(context.Background(), []string{"echo probe"}); err != nil {
		t.Fatalf("RunTaskBatch failed: %v", err)
	}
	if len(d.copiedTo) != 1 || !strings.HasSuffix(d.copiedTo[0], `C:\Users\IEUser\browservm.bat`) {
		t.Fatalf("batch not copied to fixed guest path: %v", d.copiedTo)
	}
	if len(d.runCalls) != 1 {
		t.Fatalf("expected one trigger call, got %v", d.runCalls)
	}
	trigger := strings.Join(d.runCalls[0], " ")
	if !strings.Contains(trigger, "schtasks.exe") || !strings.Contains(trigger, "/TN browservm") {
		t.Fatalf("unexpected trigger command: %q", trigger)
	}
	if d.powerPolls != 2 {
		t.Fatalf("expected shutdown wait polls, got %d", d.powerPolls)
	}
}

func TestRunTaskBatchCopyFailureIsFatal(t *testing.T) {
	d := newFakeDriver()
	d.copyErr = errors.New("guest session unavailable")
	m := testMachine(t, d)

	if err := m.RunTaskBatch(context.Background(), []string{"echo hi"}); err == nil {
		t.Fatal("expected copy failure to abort the batch")
	}
	if len(d.runCalls) != 0 {
		t.Fatal("task must not be triggered after a failed copy")
	}
}

func TestRunTaskBatchNonZeroTriggerIsFatal(t *testing.T) {
	d := newFakeDriver()
	d.runExitCode = 1
	m := testMachine(t, d)

	err := m.RunTaskBatch(context.Background(), []string{"echo hi"})
	if err == nil || !strings.Contains(err.Error(), "exit code 1") {
		t.Fatalf("expected trigger exit-code failure, got %v", err)
	}
	if d.powerPolls != 0 {
		t.Fatal("must not wait for shutdown after failed trigger")
	}
}
