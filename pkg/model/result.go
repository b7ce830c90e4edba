package model

import "time"

type StepStatus string

const (
	StepStatusPlanned    StepStatus = "planned"
	StepStatusSuccess    StepStatus = "success"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusBestEffort StepStatus = "best_effort_failed"
)

type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// BuildResult is the per-VM outcome of one provisioning run.
type BuildResult struct {
	RunID     string       `json:"run_id"`
	Flavor    string       `json:"flavor"`
	VMName    string       `json:"vm_name"`
	Status    string       `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	DryRun    bool         `json:"dry_run"`
	Steps     []StepResult `json:"steps"`
	Error     string       `json:"error,omitempty"`
}
