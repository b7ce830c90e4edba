// Package recipe models an ordered provisioning plan for one VM and runs it.
// The sequencer is version-agnostic: everything flavor-specific lives in the
// catalog descriptors that parameterize it.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guestforge/browservm/pkg/model"
)

// Step is one provisioning action. BestEffort steps log their failure and
// let the recipe continue; all other steps abort the whole VM build on the
// first error. There is no rollback.
type Step struct {
	Name        string
	Description string
	BestEffort  bool
	Run         func(ctx context.Context) error
}

type Options struct {
	DryRun        bool
	HumanProgress bool
}

// Run executes steps strictly in order. The returned results always cover
// every executed step; on a fatal step failure the remaining steps are not
// run and their effects are not undone.
func Run(ctx context.Context, logger *slog.Logger, steps []Step, opts Options) ([]model.StepResult, error) {
	if opts.DryRun {
		results := make([]model.StepResult, 0, len(steps))
		for _, s := range steps {
			results = append(results, model.StepResult{
				Name:    s.Name,
				Status:  model.StepStatusPlanned,
				Message: s.Description,
			})
		}
		return results, nil
	}

	var results []model.StepResult
	total := len(steps)
	for i, s := range steps {
		current := i + 1
		if opts.HumanProgress {
			fmt.Printf("\033[36m[%d/%d]\033[0m \033[1m%s\033[0m \033[90m(%d%%)\033[0m\n",
				current, total, humanStepLabel(s.Name), (current-1)*100/total)
			fmt.Printf("  \033[90m%s\033[0m\n", s.Description)
		} else {
			logger.Info("step start",
				"step", s.Name,
				"progress", fmt.Sprintf("[%d/%d]", current, total),
				"description", s.Description,
			)
		}

		started := time.Now()
		stopHeartbeat := func() {}
		if opts.HumanProgress {
			stopHeartbeat = startStepHeartbeat(s.Name)
		}
		err := s.Run(ctx)
		stopHeartbeat()
		d := time.Since(started)

		if err != nil {
			if s.BestEffort {
				if opts.HumanProgress {
					fmt.Printf("  \033[33m⚠ best-effort step failed\033[0m in %s: %v\n", d.Truncate(time.Millisecond), err)
				} else {
					logger.Warn("best-effort step failed, continuing",
						"step", s.Name,
						"duration", d.String(),
						"error", err,
					)
				}
				results = append(results, model.StepResult{Name: s.Name, Status: model.StepStatusBestEffort, Duration: d, Message: err.Error()})
				continue
			}
			if opts.HumanProgress {
				fmt.Printf("  \033[31m✗ failed\033[0m in %s\n", d.Truncate(time.Millisecond))
			}
			results = append(results, model.StepResult{Name: s.Name, Status: model.StepStatusFailed, Duration: d, Message: err.Error()})
			return results, fmt.Errorf("step %s failed: %w", s.Name, err)
		}

		results = append(results, model.StepResult{Name: s.Name, Status: model.StepStatusSuccess, Duration: d})
		if opts.HumanProgress {
			fmt.Printf("  \033[32m✓ done\033[0m in %s \033[90m[%d/%d %d%%]\033[0m\n",
				d.Truncate(time.Millisecond), current, total, current*100/total)
		} else {
			logger.Info("step success",
				"step", s.Name,
				"duration", d.String(),
				"progress", fmt.Sprintf("[%d/%d] %d%%", current, total, current*100/total),
			)
		}
	}

	return results, nil
}

func humanStepLabel(step string) string {
	return strings.ReplaceAll(step, "_", "-")
}

func startStepHeartbeat(step string) func() {
	done := make(chan struct{})
	started := time.Now()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  \033[90m... %s running (%s)\033[0m\n", humanStepLabel(step), time.Since(started).Truncate(time.Second))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// PreconditionError marks a structurally invalid build request. It fails
// fast, before any artifact download or hypervisor work.
type PreconditionError struct {
	Flavor string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("flavor %s: %s", e.Flavor, e.Reason)
}

// IsPrecondition reports whether err is a fail-fast precondition failure.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
