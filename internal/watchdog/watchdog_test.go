package watchdog_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
	"github.com/ironmark/pipelinectl/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	ctx *domain.RunContext
}

func (f *fakeState) GetState() *domain.RunContext { return f.ctx }

type transition struct {
	state domain.PipelineRunState
	stage *domain.PipelineStage
	msg   *string
}

type fakeTransitioner struct {
	mu          sync.Mutex
	transitions []transition
	err         error
}

func (f *fakeTransitioner) Transition(newState domain.PipelineRunState, stage *domain.PipelineStage, errMsg *string, metadata map[string]any) (*domain.RunContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transition{state: newState, stage: stage, msg: errMsg})
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RunContext{State: newState}, nil
}

func (f *fakeTransitioner) snapshot() []transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transition, len(f.transitions))
	copy(out, f.transitions)
	return out
}

type fakeLock struct {
	mu            sync.Mutex
	releaseOK     bool
	releaseErr    error
	released      []string
	forceClearedN int
}

func (f *fakeLock) Release(runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, runID)
	return f.releaseOK, f.releaseErr
}

func (f *fakeLock) ForceClearAll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceClearedN++
	return true
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

func fixedTimeouts(translator, analyzer, merger time.Duration) watchdog.StageTimeoutFunc {
	return func(stage domain.PipelineStage) time.Duration {
		switch stage {
		case domain.StageTranslator:
			return translator
		case domain.StageAnalyzer:
			return analyzer
		case domain.StageMerger:
			return merger
		default:
			return 0
		}
	}
}

func TestTick_TerminalState_Skipped(t *testing.T) {
	state := &fakeState{ctx: &domain.RunContext{RunID: "run-1", State: domain.StateSuccess, StartedAt: domain.Now(), UpdatedAt: domain.Now()}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{Interval: time.Second, HeartbeatTimeout: time.Minute}, state, trans, lock, pub, fixedTimeouts(time.Hour, time.Hour, time.Hour))

	wd.Tick()

	assert.Empty(t, trans.snapshot())
	assert.Empty(t, pub.snapshot())
}

func TestTick_NoActiveRun_Skipped(t *testing.T) {
	state := &fakeState{ctx: nil}
	trans := &fakeTransitioner{}
	lock := &fakeLock{}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{}, state, trans, lock, pub, fixedTimeouts(time.Hour, time.Hour, time.Hour))

	assert.NotPanics(t, wd.Tick)
	assert.Empty(t, trans.snapshot())
}

func TestTick_StageTimeoutExceeded_TransitionsToFailedAndReleasesLock(t *testing.T) {
	stage := domain.StageTranslator
	started := domain.Now().Add(-2 * time.Minute)
	state := &fakeState{ctx: &domain.RunContext{
		RunID:        "run-1",
		State:        domain.StateRunningTranslator,
		CurrentStage: &stage,
		StartedAt:    started,
		UpdatedAt:    started,
	}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{releaseOK: true}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{HeartbeatTimeout: time.Hour}, state, trans, lock, pub, fixedTimeouts(time.Minute, time.Hour, time.Hour))

	wd.Tick()

	transitions := trans.snapshot()
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.StateFailed, transitions[0].state)
	require.NotNil(t, transitions[0].msg)
	assert.Contains(t, *transitions[0].msg, "exceeded maximum runtime")

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EvTimeout, events[0].Event)
	assert.Equal(t, domain.StageWatchdog, events[0].Stage)

	require.Len(t, lock.released, 1)
	assert.Equal(t, "run-1", lock.released[0])
}

func TestTick_StageTimeoutExceeded_LockReleaseFails_ForceClears(t *testing.T) {
	stage := domain.StageAnalyzer
	started := domain.Now().Add(-2 * time.Minute)
	state := &fakeState{ctx: &domain.RunContext{
		RunID:        "run-1",
		State:        domain.StateRunningAnalyzer,
		CurrentStage: &stage,
		StartedAt:    started,
		UpdatedAt:    started,
	}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{releaseOK: false}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{HeartbeatTimeout: time.Hour}, state, trans, lock, pub, fixedTimeouts(time.Hour, time.Minute, time.Hour))

	wd.Tick()

	assert.Equal(t, 1, lock.forceClearedN)
}

func TestTick_WithinStageTimeoutButHeartbeatStale_WarnsNoTransition(t *testing.T) {
	stage := domain.StageMerger
	started := domain.Now().Add(-5 * time.Minute)
	stale := domain.Now().Add(-10 * time.Minute)
	state := &fakeState{ctx: &domain.RunContext{
		RunID:        "run-1",
		State:        domain.StateRunningMerger,
		CurrentStage: &stage,
		StartedAt:    started,
		UpdatedAt:    stale,
	}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{HeartbeatTimeout: 5 * time.Minute}, state, trans, lock, pub, fixedTimeouts(time.Hour, time.Hour, time.Hour))

	wd.Tick()

	assert.Empty(t, trans.snapshot())
	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EvError, events[0].Event)
	assert.True(t, strings.Contains(events[0].Msg, "has not updated"))
}

func TestTick_HealthyRun_NoEventsNoTransitions(t *testing.T) {
	stage := domain.StageTranslator
	now := domain.Now()
	state := &fakeState{ctx: &domain.RunContext{
		RunID:        "run-1",
		State:        domain.StateRunningTranslator,
		CurrentStage: &stage,
		StartedAt:    now,
		UpdatedAt:    now,
	}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{HeartbeatTimeout: time.Hour}, state, trans, lock, pub, fixedTimeouts(time.Hour, time.Hour, time.Hour))

	wd.Tick()

	assert.Empty(t, trans.snapshot())
	assert.Empty(t, pub.snapshot())
}

func TestStartStop_TicksOnInterval(t *testing.T) {
	stage := domain.StageTranslator
	started := domain.Now().Add(-time.Hour)
	state := &fakeState{ctx: &domain.RunContext{
		RunID:        "run-1",
		State:        domain.StateRunningTranslator,
		CurrentStage: &stage,
		StartedAt:    started,
		UpdatedAt:    started,
	}}
	trans := &fakeTransitioner{}
	lock := &fakeLock{releaseOK: true}
	pub := &fakePublisher{}
	wd := watchdog.New(watchdog.Config{Interval: 10 * time.Millisecond, HeartbeatTimeout: time.Hour}, state, trans, lock, pub, fixedTimeouts(time.Minute, time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	wd.Start(ctx)
	defer wd.Stop()

	require.Eventually(t, func() bool {
		return len(trans.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
}
