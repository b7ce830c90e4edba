package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/guestforge/browservm/internal/build"
	"github.com/guestforge/browservm/internal/config"
	"github.com/guestforge/browservm/internal/fetch"
	"github.com/guestforge/browservm/internal/hypervisor"
	"github.com/guestforge/browservm/internal/recipe"
	"github.com/guestforge/browservm/internal/tooling/vbox"
	"github.com/guestforge/browservm/pkg/model"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
		jsonOut    bool
		allFlavors bool
	)

	cmd := &cobra.Command{
		Use:   "build [flavor...]",
		Short: "Download, import and provision browser VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logFormat, logLevel)
			if err != nil {
				return err
			}

			targets := args
			if allFlavors {
				if len(args) > 0 {
					return &userError{
						msg:  "--all cannot be combined with flavor arguments",
						hint: "Run either: browservm build --all  or: browservm build ie11-win7",
					}
				}
				targets = recipe.Flavors()
			}
			if len(targets) == 0 {
				return &userError{
					msg:  "no flavors requested",
					hint: "Run: browservm flavors  to list what can be built, then: browservm build <flavor>",
				}
			}

			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}

			driver, err := newDriver(logger, &cfg, dryRun)
			if err != nil {
				return err
			}

			runner := &build.Runner{
				Deps: build.Deps{
					Config:  cfg,
					Driver:  driver,
					Fetcher: fetch.New(logger),
				},
				Logger: logger,
				Options: recipe.Options{
					DryRun: dryRun,
					// Parallel builds interleave; per-step progress lines
					// only make sense for a single target.
					HumanProgress: !jsonOut && len(targets) == 1 && strings.EqualFold(logFormat, "text"),
				},
			}

			start := time.Now()
			results := runner.BuildAll(cmd.Context(), targets)

			if jsonOut {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				printBuildSummary(results, time.Since(start))
			}

			if build.Failed(results) {
				return fmt.Errorf("%d of %d builds failed", countFailed(results), len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults apply when missing)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the planned steps without downloading or touching VirtualBox")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print machine-readable result JSON")
	cmd.Flags().BoolVar(&allFlavors, "all", false, "Build every known flavor")

	return cmd
}

// newDriver runs the VirtualBox preflight and returns the command driver.
// Dry runs skip the preflight so plans can be inspected on hosts without
// VirtualBox installed.
func newDriver(logger *slog.Logger, cfg *config.Config, dryRun bool) (hypervisor.Driver, error) {
	if dryRun {
		return hypervisor.NewVBoxManage(cfg.VBox.ManageBin, logger), nil
	}

	path, version, err := vbox.Preflight(cfg.VBox.ManageBin, cfg.VBox.MinVersion)
	if err != nil {
		return nil, &userError{
			msg:  err.Error(),
			hint: "Install VirtualBox " + cfg.VBox.MinVersion + "+ or point vbox.manage_bin at the VBoxManage binary",
		}
	}
	logger.Info("virtualbox preflight passed", "bin", path, "version", version)
	return hypervisor.NewVBoxManage(path, logger), nil
}

func printBuildSummary(results []model.BuildResult, elapsed time.Duration) {
	const (
		green = "\033[32m"
		red   = "\033[31m"
		cyan  = "\033[36m"
		gray  = "\033[90m"
		reset = "\033[0m"
	)

	fmt.Println()
	for _, res := range results {
		mark, color := "✓", green
		if res.Status == "failed" {
			mark, color = "✗", red
		}
		line := fmt.Sprintf("%s%s%s %-12s %s%s%s", color, mark, reset, res.Flavor, cyan, res.Status, reset)
		if res.VMName != "" {
			line += fmt.Sprintf("  %s%s%s", gray, res.VMName, reset)
		}
		fmt.Println(line)
		if res.Error != "" {
			fmt.Printf("    %s%s%s\n", red, res.Error, reset)
		}
	}
	fmt.Printf("\nTotal: %s%s%s\n", cyan, elapsed.Truncate(time.Millisecond), reset)
}

func countFailed(results []model.BuildResult) int {
	n := 0
	for _, r := range results {
		if r.Status == "failed" {
			n++
		}
	}
	return n
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json output: %w", err)
	}
	return nil
}
