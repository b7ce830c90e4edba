package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/guestforge/browservm/internal/config"
	"github.com/guestforge/browservm/internal/tooling/vbox"
)

var stdinReader = bufio.NewReader(os.Stdin)
var ansiEscapeRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
var caretEscapeRE = regexp.MustCompile(`\^\[\[[0-9;?]*[ -/]*[@-~]`)

func newConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Interactive config manager",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfigManager(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/browservm.yaml", "Path to browservm config file")
	return cmd
}

func runConfigManager(configPath string) error {
	fmt.Println()
	fmt.Println("\033[1mbrowservm — Config Manager\033[0m")
	fmt.Println("──────────────────────────────────────────────────")

	for {
		cfgExists := fileExists(configPath)

		options := []string{}
		actions := map[string]func() error{}

		if cfgExists {
			label := fmt.Sprintf("[browservm] Edit %s", filepath.Base(configPath))
			options = append(options, label)
			actions[label] = func() error { return upsertConfig(configPath, true, "") }
		} else {
			label := fmt.Sprintf("[+browservm] Create %s", filepath.Base(configPath))
			options = append(options, label)
			actions[label] = func() error { return upsertConfig(configPath, false, "") }
		}

		drafts := listConfigDrafts(configPath)
		for _, d := range drafts {
			draftPath := d
			resumeLabel := fmt.Sprintf("\033[33m[draft]\033[0m   Resume %s", filepath.Base(draftPath))
			deleteLabel := fmt.Sprintf("\033[31m[draft]\033[0m   Delete %s", filepath.Base(draftPath))
			options = append(options, resumeLabel, deleteLabel)
			actions[resumeLabel] = func() error {
				return upsertConfig(configPath, cfgExists, draftPath)
			}
			actions[deleteLabel] = func() error {
				if err := os.Remove(draftPath); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				fmt.Printf("  \033[32m✓ Draft deleted:\033[0m %s\n\n", draftPath)
				return nil
			}
		}

		checkLabel := "[preflight] Check VirtualBox installation"
		options = append(options, checkLabel)
		actions[checkLabel] = func() error { return runPreflightCheck(configPath) }

		options = append(options, "Exit")

		var choice string
		prompt := &survey.Select{
			Message: "Select:",
			Options: options,
		}
		if err := survey.AskOne(prompt, &choice); err != nil {
			return nil // Ctrl+C / EOF
		}
		// Clear delayed terminal control responses left by survey rendering.
		drainStdin()
		if choice == "Exit" {
			fmt.Println()
			return nil
		}
		if fn := actions[choice]; fn != nil {
			if err := fn(); err != nil {
				return err
			}
		}
	}
}

func runPreflightCheck(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	path, version, err := vbox.Preflight(cfg.VBox.ManageBin, cfg.VBox.MinVersion)
	if err != nil {
		fmt.Printf("  \033[31m✗ %v\033[0m\n\n", err)
		return nil
	}
	fmt.Printf("  \033[32m✓ VirtualBox %s\033[0m at %s\n\n", version, path)
	return nil
}

func upsertConfig(path string, edit bool, draftPath string) error {
	cfg := config.Default()
	if draftPath != "" {
		if err := loadYAML(draftPath, &cfg); err != nil {
			return fmt.Errorf("load draft %s: %w", draftPath, err)
		}
		fmt.Printf("\n\033[33m⚠ Resuming draft:\033[0m %s\n", filepath.Base(draftPath))
	} else if edit {
		if err := loadYAML(path, &cfg); err != nil {
			return err
		}
	}

	fmt.Printf("\n%s: %s\n", map[bool]string{true: "Edit", false: "Create"}[edit], filepath.Base(path))
	fmt.Println(strings.Repeat("─", 40))
	stopInterruptHandler := startDraftInterruptHandler(path, func() ([]byte, bool) {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, false
		}
		return data, true
	})
	defer stopInterruptHandler()

	cfg.WorkDir = askString("Work directory (images, VMs, logs)", cfg.WorkDir)

	cfg.Guest.User = askString("Guest user", cfg.Guest.User)
	cfg.Guest.Password = askString("Guest password", cfg.Guest.Password)
	cfg.Guest.TaskName = askString("Guest scheduled task name", cfg.Guest.TaskName)
	cfg.Guest.BatchPath = adjustBatchPathForUser(cfg.Guest.BatchPath, cfg.Guest.User)
	cfg.Guest.BatchPath = askString(`Guest batch path (C:\...)`, cfg.Guest.BatchPath)

	cfg.Reuse.Win7Base = askBool("Reuse the IE8/Win7 image for IE9-IE11 builds", cfg.Reuse.Win7Base)

	cfg.VBox.ManageBin = askString("VBoxManage binary", cfg.VBox.ManageBin)
	cfg.VBox.GuestAdditionsISO = askString("Guest additions ISO (empty to skip)", cfg.VBox.GuestAdditionsISO)

	if askBool("Customize polling/download settings (advanced)", false) {
		cfg.Polling.IntervalSeconds = askInt("Poll interval seconds", cfg.Polling.IntervalSeconds)
		cfg.Polling.ShutdownTimeoutMinutes = askInt("Shutdown timeout minutes (0 = wait forever)", cfg.Polling.ShutdownTimeoutMinutes)
		cfg.Polling.GuestReadyTimeoutMinutes = askInt("Guest-ready timeout minutes (0 = wait forever)", cfg.Polling.GuestReadyTimeoutMinutes)
		cfg.Download.MaxAttempts = askInt("Download attempts per artifact", cfg.Download.MaxAttempts)
		cfg.Download.TimeoutMinutes = askInt("Download timeout minutes (0 = none)", cfg.Download.TimeoutMinutes)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid, nothing saved: %w", err)
	}
	if err := saveYAML(path, cfg); err != nil {
		return err
	}
	_ = cleanupConfigDrafts(path)
	fmt.Printf("  \033[32m✓ Saved:\033[0m %s\n\n", path)
	return nil
}

// adjustBatchPathForUser keeps the default batch path under the guest
// user's profile when the user changes.
func adjustBatchPathForUser(batchPath, user string) string {
	d := config.Default()
	if batchPath != d.Guest.BatchPath || user == d.Guest.User {
		return batchPath
	}
	return `C:\Users\` + user + `\browservm.bat`
}

func askString(msg, def string) string {
	def = sanitizeSuggestion(def)
	prompt := ""
	if def != "" {
		prompt = fmt.Sprintf("  %s [\033[36m%s\033[0m]: ", msg, def)
	} else {
		prompt = fmt.Sprintf("  %s: ", msg)
	}
	s := readLineClean(prompt)
	if s == "" {
		return def
	}
	return s
}

func askInt(msg string, def int) int {
	for {
		raw := readLineClean(fmt.Sprintf("  %s [\033[36m%d\033[0m]: ", msg, def))
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err == nil {
			return v
		}
		fmt.Println("  Invalid number.")
	}
}

func askBool(msg string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		s := strings.ToLower(readLineClean(fmt.Sprintf("  %s %s: ", msg, hint)))
		switch s {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		fmt.Println("  Please answer yes or no.")
	}
}

func readLineClean(prompt string) string {
	raw := readLineEditable(prompt)
	raw = ansiEscapeRE.ReplaceAllString(raw, "")
	raw = caretEscapeRE.ReplaceAllString(raw, "")
	raw = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	return strings.TrimSpace(raw)
}

func readLineEditable(prompt string) string {
	rl, err := readline.NewEx(&readline.Config{Prompt: prompt})
	if err == nil {
		cleanup := func() {
			_ = rl.Close()
			// Keep bufio reader in sync after readline consumed stdin bytes.
			stdinReader.Reset(os.Stdin)
		}
		line, err := rl.Readline()
		if err == nil {
			cleanup()
			return line
		}
		if errors.Is(err, readline.ErrInterrupt) {
			// Important: restore terminal state before triggering interrupt handler,
			// because the handler may call os.Exit(0), which skips defers.
			cleanup()
			if p, findErr := os.FindProcess(os.Getpid()); findErr == nil {
				_ = p.Signal(os.Interrupt)
			}
			return ""
		}
		cleanup()
	}
	fmt.Print(prompt)
	raw, _ := stdinReader.ReadString('\n')
	return raw
}

func loadYAML(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func saveYAML(path string, data any) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func sanitizeSuggestion(in string) string {
	in = strings.TrimSpace(os.ExpandEnv(in))
	if strings.Contains(in, "${") {
		return ""
	}
	return in
}

func cleanupConfigDrafts(targetPath string) error {
	for _, p := range listConfigDrafts(targetPath) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func configDraftPath(targetPath string) string {
	base := filepath.Base(targetPath)
	return filepath.Join("tmp", fmt.Sprintf("%s.draft.yaml", base))
}

func listConfigDrafts(targetPath string) []string {
	base := filepath.Base(targetPath)
	pattern := filepath.Join("tmp", fmt.Sprintf("%s.draft*.yaml", base))
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		ii, errI := os.Stat(matches[i])
		jj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] > matches[j]
		}
		return ii.ModTime().After(jj.ModTime())
	})
	return matches
}

func startDraftInterruptHandler(targetPath string, dataFn func() ([]byte, bool)) func() {
	localSigCh := make(chan os.Signal, 1)
	signal.Notify(localSigCh, os.Interrupt)
	go func() {
		<-localSigCh
		data, ok := dataFn()
		if ok {
			if draftPath, err := writeConfigDraft(targetPath, data); err == nil {
				fmt.Printf("\n\033[33m⚠ Interrupted\033[0m\n")
				fmt.Printf("  Draft saved: %s\n", draftPath)
			}
		}
		fmt.Println("Cancelled.")
		restoreTTYOnExit()
		os.Exit(0)
	}()
	return func() {
		signal.Stop(localSigCh)
	}
}

func writeConfigDraft(targetPath string, data []byte) (string, error) {
	if err := os.MkdirAll("tmp", 0o700); err != nil {
		return "", err
	}
	draftPath := configDraftPath(targetPath)
	if err := os.WriteFile(draftPath, data, 0o600); err != nil {
		return "", err
	}
	return draftPath, nil
}
