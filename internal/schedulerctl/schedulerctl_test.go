package schedulerctl_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
	"github.com/ironmark/pipelinectl/internal/schedulerctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeRunner) key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	k := f.key(name, args...)
	return f.outputs[k], f.errs[k]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakePublisher) Publish(e domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakePublisher) snapshot() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestEnable_CallsSchtasksChangeEnable_PersistsAuditAndPublishes(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner", AuditFile: filepath.Join(dir, "scheduler_state.json")}, pub, runner)

	ok, err := c.Enable(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "schtasks", runner.calls[0].name)
	assert.Equal(t, []string{"/change", "/tn", "Pipeline Runner", "/enable"}, runner.calls[0].args)

	rec, err := schedulerctl.LoadAudit(filepath.Join(dir, "scheduler_state.json"))
	require.NoError(t, err)
	assert.True(t, rec.LastRequestedEnabled)
	assert.Equal(t, "alice", rec.LastChangedBy)

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EvEnabled, events[0].Event)
}

func TestDisable_CallsSchtasksChangeDisable(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner", AuditFile: filepath.Join(dir, "scheduler_state.json")}, pub, runner)

	ok, err := c.Disable(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"/change", "/tn", "Pipeline Runner", "/disable"}, runner.calls[0].args)

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EvDisabled, events[0].Event)
}

func TestEnableDisable_IdempotentAtAuditFile(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner", AuditFile: filepath.Join(dir, "scheduler_state.json")}, pub, runner)

	_, err := c.Enable(context.Background(), "alice")
	require.NoError(t, err)
	_, err = c.Enable(context.Background(), "alice")
	require.NoError(t, err)

	rec, err := schedulerctl.LoadAudit(filepath.Join(dir, "scheduler_state.json"))
	require.NoError(t, err)
	assert.True(t, rec.LastRequestedEnabled)
	assert.Len(t, pub.snapshot(), 2) // each call still emits its event, but state converges
}

func TestGetState_ParsesEnabledFromScheduledTaskState(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[runner.key("schtasks", "/query", "/tn", "Pipeline Runner", "/fo", "list", "/v")] = "" +
		"Folder: \\\n" +
		"HostName: DESKTOP\n" +
		"TaskName: \\Pipeline Runner\n" +
		"Scheduled Task State: Enabled\n"
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner"}, pub, runner)

	state, err := c.GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.True(t, state.Enabled)
}

func TestGetState_ParsesDisabledFromScheduledTaskState(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[runner.key("schtasks", "/query", "/tn", "Pipeline Runner", "/fo", "list", "/v")] = "Scheduled Task State: Disabled\n"
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner"}, pub, runner)

	state, err := c.GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.False(t, state.Enabled)
}

func TestGetState_FallsBackToStatusReady(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[runner.key("schtasks", "/query", "/tn", "Pipeline Runner", "/fo", "list", "/v")] = "Status: Ready\n"
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner"}, pub, runner)

	state, err := c.GetState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Enabled)
}

func TestGetState_CommandFails_NotExists(t *testing.T) {
	runner := newFakeRunner()
	runner.errs[runner.key("schtasks", "/query", "/tn", "Missing Task", "/fo", "list", "/v")] = assertError{}
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Missing Task"}, pub, runner)

	state, err := c.GetState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Exists)
}

func TestIsEnabled_ReflectsSchtasksOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs[runner.key("schtasks", "/query", "/tn", "Pipeline Runner", "/fo", "list", "/v")] = "Scheduled Task State: Enabled\n"
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner"}, pub, runner)

	enabled, err := c.IsEnabled(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestGetNextRunTime_FallsBackToScheduleTimeCronParse(t *testing.T) {
	runner := newFakeRunner()
	// PowerShell call fails/empty -> falls back to cron parse of ScheduleTime.
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner", ScheduleTime: "07:30"}, pub, runner)

	next, err := c.GetNextRunTime(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 7, next.Hour())
	assert.Equal(t, 30, next.Minute())
}

func TestGetNextRunTime_PrefersWindowsReportedTime(t *testing.T) {
	runner := newFakeRunner()
	future := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	runner.outputs[runner.key("powershell", "-Command", "Get-ScheduledTask -TaskName 'Pipeline Runner' -ErrorAction Stop | Get-ScheduledTaskInfo | Select-Object LastRunTime, NextRunTime | ConvertTo-Json")] =
		`{"LastRunTime":"` + time.Now().Add(-time.Hour).UTC().Format(time.RFC3339) + `","NextRunTime":"` + future + `"}`
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner", ScheduleTime: "07:30"}, pub, runner)

	next, err := c.GetNextRunTime(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *next, time.Minute)
}

func TestGetWindowsScheduleInfo_CommandFails_ReturnsError(t *testing.T) {
	runner := newFakeRunner()
	pub := &fakePublisher{}
	c := schedulerctl.NewWithRunner(schedulerctl.Config{TaskName: "Pipeline Runner"}, pub, runner)

	info := c.GetWindowsScheduleInfo(context.Background())
	assert.NotEmpty(t, info.Error)
	assert.Nil(t, info.NextRunTime)
}

func TestLoadAudit_MissingFile_ReturnsZeroValue(t *testing.T) {
	rec, err := schedulerctl.LoadAudit(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.False(t, rec.LastRequestedEnabled)
	assert.True(t, rec.LastChangedTimestamp.IsZero())
}

type assertError struct{}

func (assertError) Error() string { return "command failed" }
