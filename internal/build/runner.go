package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guestforge/browservm/internal/recipe"
	"github.com/guestforge/browservm/internal/vm"
	"github.com/guestforge/browservm/pkg/model"
)

// Runner executes one provisioning run per target flavor, each in its own
// goroutine. Builds share no mutable state beyond the Fetcher's internal
// per-path serialization; ordering across VMs is neither guaranteed nor
// required.
type Runner struct {
	Deps    Deps
	Logger  *slog.Logger
	Options recipe.Options
}

// BuildAll provisions every target flavor in parallel and returns one result
// per flavor, in input order. A failed build never aborts its siblings.
func (r *Runner) BuildAll(ctx context.Context, flavors []string) []model.BuildResult {
	results := make([]model.BuildResult, len(flavors))
	var wg sync.WaitGroup
	for i, flavor := range flavors {
		wg.Add(1)
		go func(i int, flavor string) {
			defer wg.Done()
			results[i] = r.buildOne(ctx, flavor)
		}(i, flavor)
	}
	wg.Wait()
	return results
}

func (r *Runner) buildOne(ctx context.Context, flavor string) model.BuildResult {
	res := model.BuildResult{
		RunID:     uuid.NewString(),
		Flavor:    flavor,
		Status:    "running",
		StartedAt: time.Now().UTC(),
		DryRun:    r.Options.DryRun,
	}

	logger, closeLog := r.buildLogger(flavor)
	defer closeLog()
	logger.Info("build started", "run_id", res.RunID)

	plan, steps, err := Steps(logger, r.Deps, flavor)
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		res.EndedAt = time.Now().UTC()
		logger.Error("build precondition failed", "error", err)
		return res
	}
	res.VMName = plan.VMName

	stepResults, err := recipe.Run(ctx, logger, steps, r.Options)
	res.Steps = stepResults
	res.EndedAt = time.Now().UTC()
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		logger.Error("build failed",
			"vm", plan.VMName,
			"error", err,
			"duration", res.EndedAt.Sub(res.StartedAt).String(),
		)
		return res
	}

	if r.Options.DryRun {
		res.Status = "planned"
	} else {
		res.Status = "success"
	}
	logger.Info("build finished",
		"vm", plan.VMName,
		"status", res.Status,
		"duration", res.EndedAt.Sub(res.StartedAt).String(),
	)
	return res
}

// buildLogger tees the runner's logger into a per-VM build.log so each
// build's failure can be inspected on its own.
func (r *Runner) buildLogger(flavor string) (*slog.Logger, func()) {
	base := r.Logger.With("flavor", flavor)
	if r.Options.DryRun {
		return base, func() {}
	}

	d, ok := recipe.Describe(flavor)
	if !ok {
		return base, func() {}
	}
	dir := filepath.Join(r.Deps.Config.WorkDir, vm.SanitizeName(d.VMName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		base.Warn("cannot create vm log dir, console only", "dir", dir, "error", err)
		return base, func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, "build.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		base.Warn("cannot open build.log, console only", "error", err)
		return base, func() {}
	}

	fileHandler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(fanoutHandler{r.Logger.Handler(), fileHandler}).With("flavor", flavor)
	return logger, func() { _ = f.Close() }
}

// Failed reports whether any build in the run failed; the process exit
// status reflects it.
func Failed(results []model.BuildResult) bool {
	for _, r := range results {
		if r.Status == "failed" {
			return true
		}
	}
	return false
}

// fanoutHandler duplicates records to every wrapped handler.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, hh := range h {
		if !hh.Enabled(ctx, rec.Level) {
			continue
		}
		if err := hh.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("fanout handler: %w", err)
		}
	}
	return firstErr
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithGroup(name)
	}
	return out
}
