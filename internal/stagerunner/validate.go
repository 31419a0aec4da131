package stagerunner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ironmark/pipelinectl/internal/config"
	"github.com/ironmark/pipelinectl/internal/domain"
)

// mergerLogFreshness is how recently a merger-processed log file must
// have been modified for the no-marker fallback to accept the run.
const mergerLogFreshness = 5 * time.Minute

// OutputValidator implements the per-stage output checks: an output-file
// check for the translator, and a run marker with a fallback check for
// the analyzer and the merger.
type OutputValidator struct {
	cfg *config.Config
}

// NewOutputValidator builds a Validator backed by cfg's stage output roots.
func NewOutputValidator(cfg *config.Config) *OutputValidator {
	return &OutputValidator{cfg: cfg}
}

// Validate dispatches to the per-stage check.
func (v *OutputValidator) Validate(stage domain.PipelineStage, runID string) (bool, error) {
	switch stage {
	case domain.StageTranslator:
		return validateTranslatorOutput(v.cfg.TranslatedRoot, v.cfg.StageConfigFor(string(stage)).OutputExt)
	case domain.StageAnalyzer:
		return validateAnalyzerOutput(v.cfg.AnalyzedRoot, runID)
	case domain.StageMerger:
		return validateMergerOutput(v.cfg.MergedRoot, runID)
	default:
		return false, fmt.Errorf("stagerunner: unknown stage %s", stage)
	}
}

// validateAnalyzerOutput looks for the run-scoped success marker. Falling
// back to "any file present" is permitted by spec but logged as a
// violation of the idempotency contract, since it cannot distinguish
// this run's output from a stale one left by a prior run.
func validateAnalyzerOutput(dir, runID string) (bool, error) {
	markerPath := filepath.Join(dir, fmt.Sprintf(".success_%s.marker", runID))
	if _, err := os.Stat(markerPath); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat analyzer marker: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read analyzer dir: %w", err)
	}
	if len(entries) == 0 {
		return false, nil
	}

	slog.Warn("stagerunner: analyzer validation fell back to any-file presence check, violates idempotency contract", "dir", dir, "run_id", runID)
	return true, nil
}

// validateMergerOutput looks for the run-scoped completion marker,
// falling back to a processed-log-mtime freshness check.
func validateMergerOutput(dir, runID string) (bool, error) {
	markerPath := filepath.Join(dir, fmt.Sprintf(".merge_complete_%s.marker", runID))
	if _, err := os.Stat(markerPath); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat merger marker: %w", err)
	}

	logPath := filepath.Join(dir, "merger_processed.log")
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat merger log: %w", err)
	}

	fresh := time.Since(info.ModTime()) < mergerLogFreshness
	if fresh {
		slog.Warn("stagerunner: merger validation fell back to processed-log freshness check, violates idempotency contract", "path", logPath, "run_id", runID)
	}
	return fresh, nil
}
