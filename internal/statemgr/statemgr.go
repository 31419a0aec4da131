// Package statemgr owns the single active RunContext and its finite-state
// machine. RunContext is mutated only through this package, under a single
// mutex, so that readers (polling API callers, live subscribers) never
// observe a torn update.
package statemgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// ErrInvalidTransition indicates an attempted FSM transition that is not in
// the adjacency table for the current state.
var ErrInvalidTransition = errors.New("statemgr: invalid state transition")

// ErrNoActiveRun indicates an operation that requires a current RunContext
// was attempted with none set.
var ErrNoActiveRun = errors.New("statemgr: no active run")

// ErrRunNotTerminal indicates create_run was attempted while the current
// run is not in a terminal state.
var ErrRunNotTerminal = errors.New("statemgr: current run is not terminal")

// validTransitions is the FSM's adjacency table. Any transition not
// listed here is rejected.
var validTransitions = map[domain.PipelineRunState]map[domain.PipelineRunState]bool{
	domain.StateIdle: set(domain.StateScheduled, domain.StateStarting),
	domain.StateScheduled: set(domain.StateStarting, domain.StateIdle),
	domain.StateStarting: set(domain.StateRunningTranslator, domain.StateFailed, domain.StateStopped),
	domain.StateRunningTranslator: set(domain.StateRunningAnalyzer, domain.StateFailed, domain.StateRetrying, domain.StateStopped),
	domain.StateRunningAnalyzer: set(domain.StateRunningMerger, domain.StateFailed, domain.StateRetrying, domain.StateStopped),
	domain.StateRunningMerger: set(domain.StateSuccess, domain.StateFailed, domain.StateRetrying, domain.StateStopped),
	domain.StateRetrying: set(domain.StateRunningTranslator, domain.StateRunningAnalyzer, domain.StateRunningMerger, domain.StateFailed, domain.StateStopped),
	domain.StateSuccess: set(domain.StateIdle),
	domain.StateFailed:  set(domain.StateIdle, domain.StateRetrying),
	domain.StateStopped: set(domain.StateIdle),
}

func set(states ...domain.PipelineRunState) map[domain.PipelineRunState]bool {
	m := make(map[domain.PipelineRunState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// suppressedTransitions names (src, dst) pairs whose state_change event is
// not emitted: the momentary starting -> running_* handoff is always
// observed sub-second and would duplicate the UI's "run started" indication.
var suppressedTransitions = map[domain.PipelineRunState]map[domain.PipelineRunState]bool{
	domain.StateStarting: set(domain.StateRunningTranslator, domain.StateRunningAnalyzer, domain.StateRunningMerger),
}

// Publisher is the narrow interface statemgr needs from the Event Bus.
type Publisher interface {
	Publish(domain.Event)
}

// Manager owns the current RunContext.
type Manager struct {
	pub       Publisher
	stateFile string

	mu  sync.Mutex
	ctx *domain.RunContext
}

// New constructs a Manager and attempts to recover its RunContext from
// stateFile. An unreadable or corrupt state file is treated as "no prior
// state" (logged, not fatal).
func New(pub Publisher, stateFile string) *Manager {
	m := &Manager{pub: pub, stateFile: stateFile}
	m.ctx = m.loadState()
	return m
}

// GetState returns a defensive copy of the current RunContext, or nil.
func (m *Manager) GetState() *domain.RunContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Clone()
}

// CreateRun starts a new RunContext in state idle. Fails if the current
// context exists and is non-terminal.
func (m *Manager) CreateRun(runID string, metadata map[string]any) (*domain.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil && !m.ctx.State.IsTerminal() {
		return nil, fmt.Errorf("%w: current run %s is %s", ErrRunNotTerminal, m.ctx.RunID, m.ctx.State)
	}

	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	now := domain.Now()
	m.ctx = &domain.RunContext{
		RunID:     runID,
		State:     domain.StateIdle,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  md,
	}
	m.persist()
	return m.ctx.Clone(), nil
}

// Transition moves the current RunContext to newState, validating against
// the adjacency table, and publishes pipeline/state_change (except for
// suppressed transitions). metadata entries are merged into the existing
// metadata map.
func (m *Manager) Transition(newState domain.PipelineRunState, stage *domain.PipelineStage, errMsg *string, metadata map[string]any) (*domain.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil, ErrNoActiveRun
	}

	oldState := m.ctx.State
	allowed := validTransitions[oldState]
	if !allowed[newState] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldState, newState)
	}

	m.ctx.State = newState
	if stage != nil {
		m.ctx.CurrentStage = stage
	}
	if errMsg != nil {
		m.ctx.Error = errMsg
	}
	for k, v := range metadata {
		m.ctx.Metadata[k] = v
	}
	m.ctx.UpdatedAt = domain.Now()

	m.persist()

	if !suppressedTransitions[oldState][newState] {
		snapshot := m.ctx.Clone()
		var currentStage any
		if snapshot.CurrentStage != nil {
			currentStage = string(*snapshot.CurrentStage)
		}
		var errData any
		if snapshot.Error != nil {
			errData = *snapshot.Error
		}
		m.pub.Publish(domain.Event{
			RunID:     snapshot.RunID,
			Stage:     domain.StagePipeline,
			Event:     domain.EvStateChange,
			Timestamp: snapshot.UpdatedAt,
			Msg:       fmt.Sprintf("State transition: %s -> %s", oldState, newState),
			Data: map[string]any{
				"old_state":      string(oldState),
				"new_state":      string(newState),
				"current_stage":  currentStage,
				"error":          errData,
				"canonical_state": snapshot,
			},
		})
	}

	return m.ctx.Clone(), nil
}

// AnnotateMetadata merges derived fields (e.g. run_health, run_health_reasons)
// into the current RunContext's metadata without performing an FSM
// transition or publishing an event. Health is derived, not persisted as
// a state change — recomputing it must never be blocked by the adjacency
// table, and never shows up as a spurious state_change in the UI. A nil
// current context is a silent no-op.
func (m *Manager) AnnotateMetadata(metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return
	}
	for k, v := range metadata {
		m.ctx.Metadata[k] = v
	}
	m.persist()
}

// ClearRun discards the current RunContext entirely (administrative reset).
func (m *Manager) ClearRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = nil
	m.persist()
}

// persist writes the current context to the state file via
// write-temp-then-rename, synchronously: the write finishes before persist
// returns and is not handed to a background worker. Caller must hold m.mu.
// Write failures are logged, never returned — persistence is best-effort.
func (m *Manager) persist() {
	if m.stateFile == "" {
		return
	}
	if err := m.writeStateFile(); err != nil {
		slog.Warn("statemgr: failed to persist state file", "path", m.stateFile, "error", err)
	}
}

func (m *Manager) writeStateFile() error {
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var data []byte
	var err error
	if m.ctx == nil {
		data = []byte("null")
	} else {
		data, err = json.MarshalIndent(m.ctx, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// loadState reads the state file on construction. An unreadable or
// corrupt file is treated as "no prior state".
func (m *Manager) loadState() *domain.RunContext {
	if m.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil
	}
	var ctx *domain.RunContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		slog.Warn("statemgr: state file corrupt, starting with no prior state", "path", m.stateFile, "error", err)
		return nil
	}
	if ctx != nil && ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}
