package runhistory_test

import (
	"os"
	"testing"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
	"github.com/ironmark/pipelinectl/internal/runhistory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(runID string, result domain.RunResult, endedAt time.Time) domain.RunSummary {
	return domain.RunSummary{
		RunID:          runID,
		StartedAt:      endedAt.Add(-time.Minute),
		EndedAt:        endedAt,
		Result:         result,
		StagesExecuted: []string{"translator", "analyzer", "merger"},
	}
}

func TestPersistThenList_RoundTripsByteEqual(t *testing.T) {
	h := runhistory.New(t.TempDir())
	s := summary("run-1", domain.ResultSuccess, domain.Now())

	require.NoError(t, h.Persist(s))

	got, err := h.List(10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, s.RunID, got[0].RunID)
	assert.Equal(t, s.Result, got[0].Result)
	assert.True(t, s.EndedAt.Equal(got[0].EndedAt))
	assert.Equal(t, s.StagesExecuted, got[0].StagesExecuted)
}

func TestList_MostRecentFirst(t *testing.T) {
	h := runhistory.New(t.TempDir())
	now := domain.Now()

	require.NoError(t, h.Persist(summary("run-1", domain.ResultSuccess, now.Add(-2*time.Minute))))
	require.NoError(t, h.Persist(summary("run-2", domain.ResultFailed, now.Add(-time.Minute))))
	require.NoError(t, h.Persist(summary("run-3", domain.ResultSuccess, now)))

	got, err := h.List(10, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "run-3", got[0].RunID)
	assert.Equal(t, "run-2", got[1].RunID)
	assert.Equal(t, "run-1", got[2].RunID)
}

func TestList_RespectsLimit(t *testing.T) {
	h := runhistory.New(t.TempDir())
	now := domain.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Persist(summary("run", domain.ResultSuccess, now.Add(time.Duration(i)*time.Second))))
	}

	got, err := h.List(2, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestList_FiltersByResult(t *testing.T) {
	h := runhistory.New(t.TempDir())
	now := domain.Now()
	require.NoError(t, h.Persist(summary("run-1", domain.ResultSuccess, now)))
	require.NoError(t, h.Persist(summary("run-2", domain.ResultFailed, now.Add(time.Second))))

	failed := domain.ResultFailed
	got, err := h.List(10, &failed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-2", got[0].RunID)
}

func TestGet_FindsRunAcrossDatedFiles(t *testing.T) {
	h := runhistory.New(t.TempDir())
	now := domain.Now()
	require.NoError(t, h.Persist(summary("run-1", domain.ResultSuccess, now.AddDate(0, 0, -1))))
	require.NoError(t, h.Persist(summary("run-2", domain.ResultSuccess, now)))

	got, err := h.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
}

func TestGet_UnknownRun_ReturnsNilNoError(t *testing.T) {
	h := runhistory.New(t.TempDir())
	got, err := h.Get("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestList_EmptyHistory_ReturnsEmpty(t *testing.T) {
	h := runhistory.New(t.TempDir())
	got, err := h.List(10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestList_SkipsMalformedLinesInFile(t *testing.T) {
	dir := t.TempDir()
	h := runhistory.New(dir)
	now := domain.Now()
	require.NoError(t, h.Persist(summary("run-1", domain.ResultSuccess, now)))

	day := now.In(domain.Chicago).Format("2006-01-02")
	path := dir + "/" + day + ".jsonl"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := h.List(10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
}
