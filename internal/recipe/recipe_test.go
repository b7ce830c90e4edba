package recipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/guestforge/browservm/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunExecutesStepsStrictlyInOrder(t *testing.T) {
	var order []string
	step := func(name string) Step {
		return Step{Name: name, Run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}

	results, err := Run(context.Background(), testLogger(), []Step{step("a"), step("b"), step("c")}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("steps ran out of order: %v", order)
	}
	for _, r := range results {
		if r.Status != model.StepStatusSuccess {
			t.Fatalf("unexpected step status: %+v", r)
		}
	}
}

func TestRunAbortsOnFirstFatalFailure(t *testing.T) {
	var ran []string
	boom := errors.New("import exploded")
	steps := []Step{
		{Name: "a", Run: func(context.Context) error { ran = append(ran, "a"); return nil }},
		{Name: "b", Run: func(context.Context) error { ran = append(ran, "b"); return boom }},
		{Name: "c", Run: func(context.Context) error { ran = append(ran, "c"); return nil }},
	}

	results, err := Run(context.Background(), testLogger(), steps, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped step error, got %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("step c must not run after b fails: %v", ran)
	}
	if len(results) != 2 || results[1].Status != model.StepStatusFailed {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Status != model.StepStatusSuccess {
		t.Fatal("a's success must be recorded, not undone")
	}
}

func TestRunContinuesPastBestEffortFailures(t *testing.T) {
	var ran []string
	steps := []Step{
		{Name: "install", Run: func(context.Context) error { ran = append(ran, "install"); return nil }},
		{Name: "tweaks", BestEffort: true, Run: func(context.Context) error {
			ran = append(ran, "tweaks")
			return errors.New("registry key rejected")
		}},
		{Name: "snapshot", Run: func(context.Context) error { ran = append(ran, "snapshot"); return nil }},
	}

	results, err := Run(context.Background(), testLogger(), steps, Options{})
	if err != nil {
		t.Fatalf("best-effort failure must not abort: %v", err)
	}
	if len(ran) != 3 {
		t.Fatalf("expected all steps to run: %v", ran)
	}
	if results[1].Status != model.StepStatusBestEffort {
		t.Fatalf("expected best-effort status, got %+v", results[1])
	}
}

func TestRunDryRunPlansWithoutExecuting(t *testing.T) {
	executed := false
	steps := []Step{
		{Name: "import", Description: "Import appliance", Run: func(context.Context) error {
			executed = true
			return nil
		}},
	}

	results, err := Run(context.Background(), testLogger(), steps, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if executed {
		t.Fatal("dry run must not execute steps")
	}
	if len(results) != 1 || results[0].Status != model.StepStatusPlanned {
		t.Fatalf("unexpected plan: %+v", results)
	}
}

func TestLookupUnknownFlavorFailsFast(t *testing.T) {
	_, err := Lookup("ie5-win95", false)
	if !IsPrecondition(err) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
}

func TestLookupWithoutReuseUsesDedicatedImage(t *testing.T) {
	plan, err := Lookup("ie9-win7", false)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if plan.ReusedBase {
		t.Fatal("reuse must be off")
	}
	if plan.Installer != nil {
		t.Fatal("dedicated image ships the browser; no installer expected")
	}
	if plan.Image.Name != "IE9.Win7 image" {
		t.Fatalf("unexpected image: %+v", plan.Image)
	}
}

func TestLookupWithReuseUpgradesBaseImage(t *testing.T) {
	plan, err := Lookup("ie11-win7", true)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !plan.ReusedBase {
		t.Fatal("expected reuse plan")
	}
	if plan.Image.Name != "IE8.Win7 image" {
		t.Fatalf("expected base image, got %+v", plan.Image)
	}
	if plan.Installer == nil || len(plan.SilentArgs) == 0 {
		t.Fatal("reuse plan needs an installer with silent flags")
	}
}

func TestLookupReuseIgnoredForFlavorsWithoutBase(t *testing.T) {
	plan, err := Lookup("edge-win10", true)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if plan.ReusedBase || plan.Installer != nil {
		t.Fatalf("edge has no reuse base: %+v", plan)
	}
}

func TestCatalogFlavorsAreWellFormed(t *testing.T) {
	for _, f := range Flavors() {
		d, ok := Describe(f)
		if !ok {
			t.Fatalf("Describe(%q) missing", f)
		}
		if d.VMName == "" || d.OS == "" || d.Image.URL == "" || len(d.Image.Checksum) != 32 {
			t.Fatalf("flavor %s has incomplete pins: %+v", f, d)
		}
		if d.ReuseBase != "" && d.Installer == nil {
			t.Fatalf("flavor %s declares a reuse base without an installer", f)
		}
	}
}
