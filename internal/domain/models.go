// Package domain defines the core types shared across pipelinectl's
// orchestration components. These are plain data types — the
// persistence format (JSON file, JSONL line) they are marshaled into
// doubles as their wire format, so every type here carries json tags.
package domain

import (
	"errors"
	"time"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// PipelineStage identifies one of the three batch stages, in execution order.
type PipelineStage string

const (
	StageTranslator PipelineStage = "translator"
	StageAnalyzer   PipelineStage = "analyzer"
	StageMerger     PipelineStage = "merger"
)

// stageOrder is the normative sequence translator -> analyzer -> merger.
var stageOrder = []PipelineStage{StageTranslator, StageAnalyzer, StageMerger}

// Stages returns the full stage sequence in order.
func Stages() []PipelineStage {
	out := make([]PipelineStage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ValidStage reports whether s is one of the three known stages.
func ValidStage(s string) bool {
	switch PipelineStage(s) {
	case StageTranslator, StageAnalyzer, StageMerger:
		return true
	}
	return false
}

// Next returns the stage that follows s, and false if s is the last stage.
func (s PipelineStage) Next() (PipelineStage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// RunningState returns the PipelineRunState that corresponds to actively
// executing this stage (e.g. translator -> running_translator).
func (s PipelineStage) RunningState() PipelineRunState {
	switch s {
	case StageTranslator:
		return StateRunningTranslator
	case StageAnalyzer:
		return StateRunningAnalyzer
	case StageMerger:
		return StateRunningMerger
	default:
		return ""
	}
}

// PipelineRunState enumerates the FSM states of a single pipeline run.
type PipelineRunState string

const (
	StateIdle               PipelineRunState = "idle"
	StateScheduled          PipelineRunState = "scheduled"
	StateStarting           PipelineRunState = "starting"
	StateRunningTranslator  PipelineRunState = "running_translator"
	StateRunningAnalyzer    PipelineRunState = "running_analyzer"
	StateRunningMerger      PipelineRunState = "running_merger"
	StateRetrying           PipelineRunState = "retrying"
	StateSuccess            PipelineRunState = "success"
	StateFailed             PipelineRunState = "failed"
	StateStopped            PipelineRunState = "stopped"
)

// terminalStates are the states from which a new run may be created.
var terminalStates = map[PipelineRunState]bool{
	StateIdle:    true,
	StateSuccess: true,
	StateFailed:  true,
	StateStopped: true,
}

// IsTerminal reports whether s is a terminal state — one from which a new
// run may be created (spec: "current one, if any, is in a terminal state").
func (s PipelineRunState) IsTerminal() bool {
	return terminalStates[s]
}

// CanonicalState is the four-value external projection of the FSM.
type CanonicalState string

const (
	CanonicalIdle    CanonicalState = "idle"
	CanonicalRunning CanonicalState = "running"
	CanonicalStopped CanonicalState = "stopped"
	CanonicalError   CanonicalState = "error"
)

// Canonical maps a PipelineRunState onto its four-value public projection.
func (s PipelineRunState) Canonical() CanonicalState {
	switch s {
	case StateIdle, StateSuccess:
		return CanonicalIdle
	case StateStopped:
		return CanonicalStopped
	case StateFailed:
		return CanonicalError
	default:
		// scheduled, starting, running_*, retrying
		return CanonicalRunning
	}
}

// RunContext is the single active run, process-wide. At most one instance
// is ever "current" — see statemgr.Manager.
type RunContext struct {
	RunID          string           `json:"run_id"`
	State          PipelineRunState `json:"state"`
	CurrentStage   *PipelineStage   `json:"current_stage"`
	StartedAt      time.Time        `json:"started_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	RetryCount     int              `json:"retry_count"`
	Error          *string          `json:"error"`
	Metadata       map[string]any   `json:"metadata"`
	StagesExecuted []string         `json:"stages_executed"`
	StagesFailed   []string         `json:"stages_failed"`
}

// Clone returns a deep-enough copy of the RunContext for safe handoff
// across goroutine boundaries (the metadata map and slices are copied).
func (r *RunContext) Clone() *RunContext {
	if r == nil {
		return nil
	}
	out := *r
	if r.CurrentStage != nil {
		cs := *r.CurrentStage
		out.CurrentStage = &cs
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	out.StagesExecuted = append([]string(nil), r.StagesExecuted...)
	out.StagesFailed = append([]string(nil), r.StagesFailed...)
	return &out
}

// RunResult is the terminal outcome recorded on a RunSummary.
type RunResult string

const (
	ResultSuccess RunResult = "success"
	ResultFailed  RunResult = "failed"
	ResultStopped RunResult = "stopped"
)

// RunSummary is the persisted record of one completed run.
type RunSummary struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
	Result         RunResult      `json:"result"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	StagesExecuted []string       `json:"stages_executed"`
	StagesFailed   []string       `json:"stages_failed"`
	RetryCount     int            `json:"retry_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HealthLabel is the derived (never-persisted) health classification.
type HealthLabel string

const (
	HealthHealthy  HealthLabel = "healthy"
	HealthDegraded HealthLabel = "degraded"
	HealthUnknown  HealthLabel = "unknown"
)

// RunHealth is a derived quantity, recomputed on demand from RunHistory.
type RunHealth struct {
	Label   HealthLabel `json:"label"`
	Reasons []string    `json:"reasons"`
}

// LockRecord is the contents of the pipeline.lock file.
type LockRecord struct {
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileTracker is the tailer's persisted per-file offset state.
type FileTracker struct {
	Offset int64     `json:"offset"`
	Size   int64     `json:"size"`
	Mtime  time.Time `json:"mtime"`
	Sealed bool      `json:"sealed"`
}

// Event is a structured record broadcast on the Event Bus and appended to
// the per-run JSONL historical log.
type Event struct {
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Msg       string         `json:"msg,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// SystemRunID is the run_id used for process-global events that have no
// associated run (e.g. scheduler or watchdog events outside any run).
const SystemRunID = "__system__"

// Stage name constants for events that are not tied to a PipelineStage.
const (
	StagePipeline  = "pipeline"
	StageScheduler = "scheduler"
	StageSystem    = "system"
	StageWatchdog  = "watchdog"
)

// Event type constants — the fixed vocabulary of event names.
const (
	EvStart            = "start"
	EvStateChange       = "state_change"
	EvSuccess          = "success"
	EvFailed           = "failed"
	EvError            = "error"
	EvLog              = "log"
	EvHeartbeat        = "heartbeat"
	EvMetric           = "metric"
	EvProgress         = "progress"
	EvManualRequested  = "manual_requested"
	EvRunBlocked       = "run_blocked"
	EvEnabled          = "enabled"
	EvDisabled         = "disabled"
	EvTimeout          = "timeout"
	EvFileStart        = "file_start"
	EvFileFinish       = "file_finish"
	EvScheduledStarted = "scheduled_run_started"
)

// America/Chicago is the timezone every orchestrator timestamp is expressed in.
var Chicago = mustLoadChicago()

func mustLoadChicago() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Now returns the current time in the orchestrator's timezone (America/Chicago).
func Now() time.Time {
	return time.Now().In(Chicago)
}
