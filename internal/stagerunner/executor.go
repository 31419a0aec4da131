package stagerunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ironmark/pipelinectl/internal/config"
	"github.com/ironmark/pipelinectl/internal/domain"
)

// CommandExecutor runs a stage body as an external subprocess, per
// spec's "the three stage programs themselves" being out of scope
// collaborators invoked through a narrow interface. The subprocess is
// expected to write a single JSON object of the shape {"status": "..."}
// to stdout. Any stderr output is logged; stdout that does not decode
// as such an object, or an unrecognized status, is returned as an error,
// which fails the attempt.
type CommandExecutor struct {
	cfg *config.Config
}

// NewCommandExecutor builds a CommandExecutor reading per-stage commands
// from cfg.
func NewCommandExecutor(cfg *config.Config) *CommandExecutor {
	return &CommandExecutor{cfg: cfg}
}

type stageOutput struct {
	Status string `json:"status"`
}

// Execute runs the configured command for stage, passing the run id as
// its final argument and via PIPELINECTL_RUN_ID in the environment so
// stage programs written in any language can read it either way.
func (e *CommandExecutor) Execute(ctx context.Context, stage domain.PipelineStage, runID string) Result {
	stageCfg := e.cfg.StageConfigFor(string(stage))
	if len(stageCfg.Command) == 0 {
		return Result{Err: fmt.Errorf("stagerunner: no command configured for stage %s", stage)}
	}

	cmd := exec.CommandContext(ctx, stageCfg.Command[0], append(stageCfg.Command[1:], runID)...)
	cmd.Env = append(cmd.Environ(), "PIPELINECTL_RUN_ID="+runID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		slog.Warn("stagerunner: stage stderr output", "stage", stage, "run_id", runID, "stderr", strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("stage %s exited: %w", stage, err)}
	}

	var out stageOutput
	if decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); decodeErr != nil {
		return Result{Err: fmt.Errorf("stage %s: parse stdout: %w", stage, decodeErr)}
	}

	switch Status(out.Status) {
	case StatusSuccess, StatusSkipped, StatusFailed:
		return Result{Status: Status(out.Status)}
	default:
		return Result{Err: fmt.Errorf("stage %s: unrecognized status %q", stage, out.Status)}
	}
}
