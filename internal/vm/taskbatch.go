package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// shutdownCommand terminates every task batch. The guest powering itself off
// is the only completion signal the host observes.
const shutdownCommand = `shutdown.exe /s /f /t 0`

// buildTaskBatch materializes the command lines as a guest batch file:
// CRLF line endings, trailing immediate shutdown.
func buildTaskBatch(lines []string) []byte {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(shutdownCommand)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// RunTaskBatch executes an ordered command batch inside the guest and waits
// for the guest-initiated shutdown that ends it. The guest must be running
// with additions ready.
//
// Any setup failure (writing, copying, or triggering) is fatal. Once the
// pre-registered scheduled task is triggered there is no per-line status
// channel: returning only guarantees the guest shut down after the batch ran
// to its shutdown line, not that every command succeeded. Callers needing
// stronger guarantees design probe commands into the batch itself.
// An empty batch still carries the implicit shutdown line and powers the
// guest off cleanly.
func (m *Machine) RunTaskBatch(ctx context.Context, lines []string) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create vm dir %s: %w", m.cfg.Dir, err)
	}
	local := filepath.Join(m.cfg.Dir, filepath.Base(filepath.FromSlash(strings.ReplaceAll(m.cfg.GuestBatchPath, `\`, "/"))))
	if err := os.WriteFile(local, buildTaskBatch(lines), 0o644); err != nil {
		return fmt.Errorf("write task batch %s: %w", local, err)
	}

	m.logger.Info("uploading task batch",
		"vm", m.cfg.Name,
		"commands", len(lines),
		"guest_path", m.cfg.GuestBatchPath,
	)
	if err := m.hv.CopyToGuest(ctx, m.cfg.Name, m.cfg.Creds, local, m.cfg.GuestBatchPath); err != nil {
		return err
	}

	// Triggering is fire-and-forget: schtasks returns once the task is
	// queued, not when the batch starts or finishes.
	code, err := m.hv.RunInGuest(ctx, m.cfg.Name, m.cfg.Creds,
		`schtasks.exe`, []string{"/Run", "/TN", m.cfg.TaskName})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s: trigger scheduled task %q: exit code %d", m.cfg.Name, m.cfg.TaskName, code)
	}

	m.logger.Info("task batch triggered, waiting for guest shutdown", "vm", m.cfg.Name)
	return m.AwaitShutdown(ctx)
}
