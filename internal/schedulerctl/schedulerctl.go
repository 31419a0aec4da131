// Package schedulerctl observes and advisory-controls the external OS
// task scheduler that actually times pipeline runs.
// It never executes or times runs itself — the OS scheduler is always
// the source of truth for "enabled".
package schedulerctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// Publisher is the Event Bus's publish surface.
type Publisher interface {
	Publish(domain.Event)
}

// CommandRunner executes a host command and returns its combined
// stdout. Abstracted so tests never shell out to a real OS scheduler.
type CommandRunner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// AuditRecord is the small audit file persisted on every enable/disable
// call. It is audit only; it never drives behavior.
type AuditRecord struct {
	LastRequestedEnabled bool      `json:"last_requested_enabled"`
	LastChangedTimestamp time.Time `json:"last_changed_timestamp"`
	LastChangedBy        string    `json:"last_changed_by"`
}

// State is the result of a get_state() query.
type State struct {
	Exists  bool   `json:"exists"`
	Enabled bool   `json:"enabled"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// WindowsScheduleInfo is the result of a get_windows_schedule_info() query.
type WindowsScheduleInfo struct {
	LastRunTime *time.Time `json:"last_run_time"`
	NextRunTime *time.Time `json:"next_run_time"`
	Error       string     `json:"error,omitempty"`
}

// Config configures a Controller.
type Config struct {
	TaskName       string
	AuditFile      string
	ScheduleTime   string // "HH:MM", advisory only — never drives a ticker.
	CommandTimeout time.Duration
}

// Controller is the scheduler-control component: it queries and toggles
// a named OS task and persists an audit trail of requested changes.
type Controller struct {
	cfg    Config
	runner CommandRunner
	pub    Publisher
	parser cron.Parser

	mu sync.Mutex
}

// New constructs a Controller shelling out to the real OS via os/exec.
func New(cfg Config, pub Publisher) *Controller {
	return NewWithRunner(cfg, pub, execRunner{})
}

// NewWithRunner constructs a Controller with an injected CommandRunner,
// for tests and for alternate OS scheduler backends.
func NewWithRunner(cfg Config, pub Publisher, runner CommandRunner) *Controller {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		runner: runner,
		pub:    pub,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Enable requests the OS task be enabled and records the audit trail.
func (c *Controller) Enable(ctx context.Context, changedBy string) (bool, error) {
	return c.setEnabled(ctx, true, changedBy)
}

// Disable requests the OS task be disabled and records the audit trail.
func (c *Controller) Disable(ctx context.Context, changedBy string) (bool, error) {
	return c.setEnabled(ctx, false, changedBy)
}

func (c *Controller) setEnabled(ctx context.Context, enabled bool, changedBy string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	verb := "disable"
	event := domain.EvDisabled
	if enabled {
		verb = "enable"
		event = domain.EvEnabled
	}

	slog.Info("schedulerctl: requesting task state change", "task", c.cfg.TaskName, "verb", verb)
	_, err := c.runner.Run(ctx, c.cfg.CommandTimeout, "schtasks", "/change", "/tn", c.cfg.TaskName, "/"+verb)
	if err != nil {
		return false, fmt.Errorf("schedulerctl: schtasks /%s failed: %w", verb, err)
	}

	c.persistAudit(AuditRecord{
		LastRequestedEnabled: enabled,
		LastChangedTimestamp: domain.Now(),
		LastChangedBy:        changedBy,
	})

	c.pub.Publish(domain.Event{
		RunID:     domain.SystemRunID,
		Stage:     domain.StageScheduler,
		Event:     event,
		Timestamp: domain.Now(),
		Data:      map[string]any{"changed_by": changedBy},
	})

	return true, nil
}

// IsEnabled reports the OS scheduler's currently reported enabled state.
// This is always the source of truth, never the audit file.
func (c *Controller) IsEnabled(ctx context.Context) (bool, error) {
	state, err := c.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state.Enabled, nil
}

// GetState queries the named OS task via schtasks and parses its
// reported enabled/disabled status from the "Scheduled Task State" /
// "Status" line of its output.
func (c *Controller) GetState(ctx context.Context) (State, error) {
	out, err := c.runner.Run(ctx, c.cfg.CommandTimeout, "schtasks", "/query", "/tn", c.cfg.TaskName, "/fo", "list", "/v")
	if err != nil {
		return State{Exists: false, Error: err.Error()}, nil
	}
	return parseSchtasksOutput(out), nil
}

// parseSchtasksOutput scans `schtasks /query /fo list /v` output for the
// enabled/disabled status line. Ported line-scan from the original
// Windows Task Scheduler integration: "Scheduled Task State:" takes
// priority, falling back to "Status:"/"Task Status:".
func parseSchtasksOutput(out string) State {
	state := State{Exists: true, Status: "Unknown"}
	enabledKnown := false
	stateLineSeen := false

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case !stateLineSeen && strings.Contains(line, "Scheduled Task State:"):
			v := valueAfterColon(line)
			state.Enabled = strings.Contains(v, "Enabled") && !strings.Contains(v, "Disabled")
			enabledKnown = true
			stateLineSeen = true
		case !enabledKnown && strings.Contains(line, "Task Status:"):
			v := valueAfterColon(line)
			state.Enabled = strings.Contains(v, "Ready") || strings.Contains(v, "Enabled")
			enabledKnown = true
		case !enabledKnown && strings.Contains(line, "Status:"):
			v := valueAfterColon(line)
			state.Status = v
			if strings.Contains(v, "Ready") {
				state.Enabled = true
				enabledKnown = true
			}
		}
	}

	if !enabledKnown {
		// Can't determine from the output at all — a query against a
		// nonexistent task looks the same as a malformed one.
		state.Exists = false
	}
	return state
}

func valueAfterColon(line string) string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+1:])
}

// GetWindowsScheduleInfo retrieves Windows Task Scheduler's own
// LastRunTime/NextRunTime, when the host actually has PowerShell
// available. Never used to drive behavior — informational only.
func (c *Controller) GetWindowsScheduleInfo(ctx context.Context) WindowsScheduleInfo {
	ps := fmt.Sprintf("Get-ScheduledTask -TaskName '%s' -ErrorAction Stop | Get-ScheduledTaskInfo | Select-Object LastRunTime, NextRunTime | ConvertTo-Json", c.cfg.TaskName)
	out, err := c.runner.Run(ctx, c.cfg.CommandTimeout, "powershell", "-Command", ps)
	if err != nil || strings.TrimSpace(out) == "" {
		return WindowsScheduleInfo{Error: fmt.Sprintf("task %q not found or command failed", c.cfg.TaskName)}
	}

	var parsed struct {
		LastRunTime string `json:"LastRunTime"`
		NextRunTime string `json:"NextRunTime"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return WindowsScheduleInfo{Error: fmt.Sprintf("json parse error: %v", err)}
	}

	info := WindowsScheduleInfo{}
	if t, err := time.Parse(time.RFC3339, parsed.LastRunTime); err == nil {
		info.LastRunTime = &t
	}
	if t, err := time.Parse(time.RFC3339, parsed.NextRunTime); err == nil {
		info.NextRunTime = &t
	}
	return info
}

// GetNextRunTime returns an advisory next-run timestamp. It first tries
// the real Windows-reported NextRunTime; failing that, it falls back to
// parsing cfg.ScheduleTime ("HH:MM") as a daily cron expression via
// robfig/cron, purely to compute a display timestamp — this never
// drives a ticker or fires a run.
func (c *Controller) GetNextRunTime(ctx context.Context) (*time.Time, error) {
	if info := c.GetWindowsScheduleInfo(ctx); info.NextRunTime != nil {
		return info.NextRunTime, nil
	}

	if c.cfg.ScheduleTime == "" {
		return nil, nil
	}
	parts := strings.SplitN(c.cfg.ScheduleTime, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("schedulerctl: malformed schedule_time %q", c.cfg.ScheduleTime)
	}

	expr := fmt.Sprintf("%s %s * * *", parts[1], parts[0])
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedulerctl: parse schedule_time as cron: %w", err)
	}

	next := sched.Next(domain.Now())
	return &next, nil
}

func (c *Controller) persistAudit(rec AuditRecord) {
	if c.cfg.AuditFile == "" {
		return
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("schedulerctl: failed to marshal audit record", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.AuditFile), 0o755); err != nil {
		slog.Warn("schedulerctl: failed to create audit dir", "error", err)
		return
	}

	tmp := c.cfg.AuditFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("schedulerctl: failed to write audit tmp file", "error", err)
		return
	}
	if err := os.Rename(tmp, c.cfg.AuditFile); err != nil {
		slog.Warn("schedulerctl: failed to rename audit file", "error", err)
	}
}

// LoadScheduleTime reads the advisory `{schedule_time: "HH:MM"}` config
// file. It is never consumed to drive timing — only to seed
// Config.ScheduleTime for GetNextRunTime's display fallback. A missing
// or corrupt file yields "" rather than an error.
func LoadScheduleTime(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var parsed struct {
		ScheduleTime string `json:"schedule_time"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		slog.Warn("schedulerctl: corrupt schedule config, ignoring", "path", path, "error", err)
		return ""
	}
	return parsed.ScheduleTime
}

// LoadAudit reads the persisted audit record, returning the zero value
// if none exists yet.
func LoadAudit(path string) (AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AuditRecord{}, nil
		}
		return AuditRecord{}, err
	}
	var rec AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("schedulerctl: corrupt audit file, treating as empty", "error", err)
		return AuditRecord{}, nil
	}
	return rec, nil
}
