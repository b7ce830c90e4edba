// Package build assembles and runs the provisioning pipeline for one
// browser-VM flavor: fetch the pinned image, import it, and drive the guest
// through unattended install batches until the machine is snapshotted.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/guestforge/browservm/internal/config"
	"github.com/guestforge/browservm/internal/fetch"
	"github.com/guestforge/browservm/internal/hypervisor"
	"github.com/guestforge/browservm/internal/recipe"
	"github.com/guestforge/browservm/internal/vm"
)

// Deps are the collaborators a build needs. They are shared across parallel
// builds; only the Fetcher carries cross-build synchronization.
type Deps struct {
	Config  config.Config
	Driver  hypervisor.Driver
	Fetcher *fetch.Fetcher
}

// suppressedGUIMessages quiets VirtualBox popups on headless hosts.
const suppressedGUIMessages = "confirmGoingFullscreen,remindAboutMouseIntegration,remindAboutAutoCapture"

var lookupFn = recipe.Lookup

// Steps resolves the flavor against the reuse policy and composes its
// ordered provisioning steps. Invalid flavor/policy combinations fail here,
// before any download or hypervisor work.
func Steps(logger *slog.Logger, deps Deps, flavor string) (recipe.Plan, []recipe.Step, error) {
	cfg := deps.Config
	plan, err := lookupFn(flavor, cfg.Reuse.Win7Base)
	if err != nil {
		return recipe.Plan{}, nil, err
	}

	machine := vm.New(vm.Config{
		Name: plan.VMName,
		Dir:  filepath.Join(cfg.WorkDir, vm.SanitizeName(plan.VMName)),
		Creds: hypervisor.GuestCredentials{
			User:     cfg.Guest.User,
			Password: cfg.Guest.Password,
		},
		TaskName:       cfg.Guest.TaskName,
		GuestBatchPath: cfg.Guest.BatchPath,
		Wait: vm.WaitConfig{
			Interval:          cfg.Polling.Interval(),
			ShutdownTimeout:   cfg.Polling.ShutdownTimeout(),
			GuestReadyTimeout: cfg.Polling.GuestReadyTimeout(),
		},
	}, deps.Driver, logger)

	// State threaded between steps. A recipe has no rollback; these only
	// flow forward.
	var (
		ovaPath       string
		freshImport   bool
		installerPath string
	)

	guestHome := `C:\Users\` + cfg.Guest.User

	steps := []recipe.Step{
		{
			Name:        "fetch_image",
			Description: fmt.Sprintf("Download and verify %s", plan.Image.Name),
			Run: func(ctx context.Context) error {
				ctx, cancel := downloadContext(ctx, cfg)
				defer cancel()
				out, err := deps.Fetcher.Fetch(ctx, fetch.Spec{
					Name:        plan.Image.Name,
					URL:         plan.Image.URL,
					Path:        filepath.Join(cfg.WorkDir, urlBasename(plan.Image.URL)),
					Checksum:    plan.Image.Checksum,
					MaxAttempts: cfg.Download.MaxAttempts,
				})
				if err != nil {
					return err
				}
				ovaPath, err = fetch.ExtractImage(out.Path, cfg.WorkDir)
				return err
			},
		},
		{
			Name:        "import_vm",
			Description: fmt.Sprintf("Import %s into the hypervisor if missing", plan.VMName),
			Run: func(ctx context.Context) error {
				imported, err := machine.EnsureImported(ctx, ovaPath, "")
				if err != nil {
					return err
				}
				freshImport = imported
				if err := machine.SetExtraMetadata(ctx, "GUI/SuppressMessages", suppressedGUIMessages); err != nil {
					return err
				}
				if freshImport {
					return machine.TakeSnapshot(ctx, "clean", "Pristine imported image")
				}
				return nil
			},
		},
	}

	if plan.Installer != nil {
		installer := plan.Installer
		steps = append(steps, recipe.Step{
			Name:        "fetch_installer",
			Description: fmt.Sprintf("Download and verify %s", installer.Name),
			Run: func(ctx context.Context) error {
				ctx, cancel := downloadContext(ctx, cfg)
				defer cancel()
				out, err := deps.Fetcher.Fetch(ctx, fetch.Spec{
					Name:        installer.Name,
					URL:         installer.URL,
					Path:        filepath.Join(cfg.WorkDir, urlBasename(installer.URL)),
					Checksum:    installer.Checksum,
					MaxAttempts: cfg.Download.MaxAttempts,
				})
				if err != nil {
					return err
				}
				installerPath = out.Path
				return nil
			},
		})
	}

	if iso := cfg.VBox.GuestAdditionsISO; iso != "" {
		steps = append(steps, recipe.Step{
			Name:        "attach_additions",
			Description: "Attach guest additions media",
			Run: func(ctx context.Context) error {
				return machine.AttachMedia(ctx, iso)
			},
		})
	}

	steps = append(steps, recipe.Step{
		Name:        "boot_vm",
		Description: "Boot headless and wait for guest command readiness",
		Run: func(ctx context.Context) error {
			if err := machine.Start(ctx); err != nil {
				return err
			}
			return machine.AwaitGuestReady(ctx)
		},
	})

	if plan.Installer != nil {
		steps = append(steps, recipe.Step{
			Name:        "upload_installer",
			Description: "Copy the browser installer into the guest",
			Run: func(ctx context.Context) error {
				remote := guestHome + `\` + urlBasename(plan.Installer.URL)
				return machine.CopyToGuest(ctx, installerPath, remote)
			},
		})
	}

	steps = append(steps, recipe.Step{
		Name:        "export_registry",
		Description: "Export the guest browser registry fragment",
		BestEffort:  true,
		Run: func(ctx context.Context) error {
			remote := guestHome + `\browser-version.reg`
			code, err := machine.RunInGuest(ctx, `reg.exe`, []string{
				"export", `HKLM\Software\Microsoft\Internet Explorer`, remote, "/y",
			})
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("reg.exe export exit code %d", code)
			}
			return machine.CopyFromGuest(ctx, remote, machine.Dir())
		},
	})

	steps = append(steps, recipe.Step{
		Name:        "provision_guest",
		Description: "Run the unattended install batch and wait for guest shutdown",
		Run: func(ctx context.Context) error {
			// An empty line set still shuts the guest down cleanly, so
			// the snapshot below never captures a live machine.
			return machine.RunTaskBatch(ctx, batchLines(plan, guestHome))
		},
	})

	if cfg.VBox.GuestAdditionsISO != "" {
		steps = append(steps, recipe.Step{
			Name:        "eject_additions",
			Description: "Eject guest additions media",
			BestEffort:  true,
			Run: func(ctx context.Context) error {
				return machine.EjectMedia(ctx)
			},
		})
	}

	steps = append(steps, recipe.Step{
		Name:        "snapshot_provisioned",
		Description: "Snapshot the provisioned machine",
		Run: func(ctx context.Context) error {
			return machine.TakeSnapshot(ctx, "provisioned", fmt.Sprintf("%s provisioned by browservm", plan.Flavor))
		},
	})

	return plan, steps, nil
}

// batchLines builds the ordered guest command lines for the provisioning
// batch: silent browser install first (reuse builds only), then tweaks.
// There is no per-line status channel, so tweak failures are invisible;
// anything that must be observable belongs in its own step.
func batchLines(plan recipe.Plan, guestHome string) []string {
	var lines []string
	if plan.Installer != nil {
		cmd := guestHome + `\` + urlBasename(plan.Installer.URL)
		if len(plan.SilentArgs) > 0 {
			cmd += " " + strings.Join(plan.SilentArgs, " ")
		}
		lines = append(lines, cmd)
	}
	lines = append(lines, plan.Tweaks...)
	return lines
}

// downloadContext bounds a single artifact download; zero means no deadline.
func downloadContext(ctx context.Context, cfg config.Config) (context.Context, context.CancelFunc) {
	if t := cfg.Download.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func urlBasename(rawURL string) string {
	idx := strings.LastIndex(rawURL, "/")
	if idx < 0 || idx == len(rawURL)-1 {
		return rawURL
	}
	return rawURL[idx+1:]
}
