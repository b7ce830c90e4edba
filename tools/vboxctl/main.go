package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/guestforge/browservm/internal/tooling/vbox"
)

func main() {
	if len(os.Args) < 2 {
		fail("usage: vboxctl <preflight|require-config> [flags]")
	}

	switch os.Args[1] {
	case "preflight":
		runPreflight(os.Args[2:])
	case "require-config":
		runRequireConfig(os.Args[2:])
	default:
		fail("unknown command: " + os.Args[1])
	}
}

func runPreflight(args []string) {
	fs := flag.NewFlagSet("preflight", flag.ExitOnError)
	bin := fs.String("bin", "VBoxManage", "VBoxManage binary path or command")
	minVersion := fs.String("min-version", "5.0", "minimum VirtualBox version")
	_ = fs.Parse(args)

	path, version, err := vbox.Preflight(strings.TrimSpace(*bin), strings.TrimSpace(*minVersion))
	if err != nil {
		fail(err.Error())
	}
	fmt.Printf("OK %s %s\n", version, path)
}

func runRequireConfig(args []string) {
	fs := flag.NewFlagSet("require-config", flag.ExitOnError)
	path := fs.String("path", "", "path to required config file")
	_ = fs.Parse(args)
	if err := vbox.RequireConfig(strings.TrimSpace(*path)); err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
