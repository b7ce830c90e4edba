package hypervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeRunner(output string, err error, capture *[]string) CommandRunner {
	return func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if capture != nil {
			*capture = args
		}
		return []byte(output), err
	}
}

func TestListVMMatchesExactName(t *testing.T) {
	out := `"IE8 - Win7" {1234}
"IE8 - Win7 - base" {5678}
`
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner(out, nil, nil)))

	exists, err := v.ListVM(context.Background(), "IE8 - Win7")
	if err != nil {
		t.Fatalf("ListVM failed: %v", err)
	}
	if !exists {
		t.Fatal("expected VM to be found")
	}

	exists, err = v.ListVM(context.Background(), "IE9 - Win7")
	if err != nil {
		t.Fatalf("ListVM failed: %v", err)
	}
	if exists {
		t.Fatal("expected VM to be absent")
	}
}

func TestQueryPowerStateParsesMachineReadableOutput(t *testing.T) {
	cases := []struct {
		vmState string
		want    PowerState
	}{
		{"poweroff", StateOff},
		{"saved", StateOff},
		{"starting", StateStarting},
		{"running", StateRunning},
		{"paused", StatePaused},
		{"aborted", StateAborted},
		{"gurumeditation", StateUnknown},
	}
	for _, tc := range cases {
		out := "name=\"IE8 - Win7\"\nVMState=\"" + tc.vmState + "\"\nVMStateChangeTime=\"x\"\n"
		v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner(out, nil, nil)))
		got, err := v.QueryPowerState(context.Background(), "IE8 - Win7")
		if err != nil {
			t.Fatalf("VMState %q: %v", tc.vmState, err)
		}
		if got != tc.want {
			t.Fatalf("VMState %q: got %s, want %s", tc.vmState, got, tc.want)
		}
	}
}

func TestQueryGuestAgentLevel(t *testing.T) {
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("Value: 3\n", nil, nil)))
	level, err := v.QueryGuestAgentLevel(context.Background(), "vm")
	if err != nil {
		t.Fatalf("QueryGuestAgentLevel failed: %v", err)
	}
	if level != 3 {
		t.Fatalf("expected level 3, got %d", level)
	}
}

func TestQueryGuestAgentLevelNoValueMeansZero(t *testing.T) {
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("No value set!\n", nil, nil)))
	level, err := v.QueryGuestAgentLevel(context.Background(), "vm")
	if err != nil {
		t.Fatalf("QueryGuestAgentLevel failed: %v", err)
	}
	if level != 0 {
		t.Fatalf("expected level 0 before additions report, got %d", level)
	}
}

func TestImportImageIncludesDiskUnitOnlyWhenGiven(t *testing.T) {
	var args []string
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("", nil, &args)))

	if err := v.ImportImage(context.Background(), "/tmp/vm.ova", "IE8 - Win7", "/vms/ie8.vmdk"); err != nil {
		t.Fatalf("ImportImage failed: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--vmname IE8 - Win7") || !strings.Contains(joined, "--disk /vms/ie8.vmdk") {
		t.Fatalf("unexpected import args: %v", args)
	}

	if err := v.ImportImage(context.Background(), "/tmp/vm.ova", "IE8 - Win7", ""); err != nil {
		t.Fatalf("ImportImage failed: %v", err)
	}
	if strings.Contains(strings.Join(args, " "), "--disk") {
		t.Fatalf("disk flag present without disk path: %v", args)
	}
}

func TestCopyToGuestTargetsParentDirectory(t *testing.T) {
	var args []string
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("", nil, &args)))

	creds := GuestCredentials{User: "IEUser", Password: "Passw0rd!"}
	err := v.CopyToGuest(context.Background(), "vm", creds, "/work/task.bat", `C:\Users\IEUser\task.bat`)
	if err != nil {
		t.Fatalf("CopyToGuest failed: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, `--target-directory C:\Users\IEUser`) {
		t.Fatalf("unexpected copyto args: %v", args)
	}
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("VBOX_E_OBJECT_NOT_FOUND", errors.New("exit status 1"), nil)))
	err := v.StartHeadless(context.Background(), "missing")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if !strings.Contains(cmdErr.Error(), "VBOX_E_OBJECT_NOT_FOUND") {
		t.Fatalf("stderr missing from error: %v", cmdErr)
	}
}

func TestEjectMediaUsesEmptyDrive(t *testing.T) {
	var args []string
	v := NewVBoxManage("", testLogger(), WithRunner(fakeRunner("", nil, &args)))
	if err := v.EjectMedia(context.Background(), "vm"); err != nil {
		t.Fatalf("EjectMedia failed: %v", err)
	}
	if !strings.Contains(strings.Join(args, " "), "--medium emptydrive") {
		t.Fatalf("unexpected eject args: %v", args)
	}
}
