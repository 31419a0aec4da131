// Package health derives run-health classification and the auto-run
// policy gate from recent run history. Everything here is a pure
// function: health is computed on demand and never persisted.
package health

import (
	"github.com/ironmark/pipelinectl/internal/domain"
)

// Window is the number of most-recent RunSummary records examined by
// ComputeRunHealth.
const Window = 5

// DegradedAutorunBlocked is the denial reason returned by CanRunPipeline
// when a degraded health label blocks an unattended scheduled run.
const DegradedAutorunBlocked = "degraded_autorun_blocked"

// ComputeRunHealth classifies the last Window entries of history (most
// recent first assumed, matching runhistory.List's ordering):
//
//   - unknown if fewer than Window records exist, or the most recent is stopped;
//   - healthy if the most recent run succeeded and at most one of the
//     last Window failed;
//   - degraded if two or more (but not all) of the last Window failed;
//   - unknown as the fallback when none of the above apply (e.g. every
//     one of the last Window failed).
func ComputeRunHealth(history []domain.RunSummary) domain.RunHealth {
	if len(history) < Window {
		return domain.RunHealth{Label: domain.HealthUnknown, Reasons: []string{"insufficient_history"}}
	}

	recent := history[:Window]
	if recent[0].Result == domain.ResultStopped {
		return domain.RunHealth{Label: domain.HealthUnknown, Reasons: []string{"most_recent_stopped"}}
	}

	failures := 0
	for _, s := range recent {
		if s.Result == domain.ResultFailed {
			failures++
		}
	}

	switch {
	case recent[0].Result == domain.ResultSuccess && failures <= 1:
		return domain.RunHealth{Label: domain.HealthHealthy}
	case failures >= 2 && failures < Window:
		return domain.RunHealth{Label: domain.HealthDegraded, Reasons: []string{"multiple_recent_failures"}}
	default:
		return domain.RunHealth{Label: domain.HealthUnknown, Reasons: []string{"indeterminate"}}
	}
}

// CanRunPipeline applies the policy gate: a degraded health label blocks
// an unattended (auto_run) run unless manualOverride is set. Manual runs
// (auto_run=false) are never blocked by health.
func CanRunPipeline(history []domain.RunSummary, autoRun, manualOverride bool) (allowed bool, reason string, health domain.RunHealth, reasons []string) {
	h := ComputeRunHealth(history)

	if h.Label == domain.HealthDegraded && autoRun && !manualOverride {
		return false, DegradedAutorunBlocked, h, h.Reasons
	}
	return true, "", h, h.Reasons
}
