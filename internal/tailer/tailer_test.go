package tailer_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
	"github.com/ironmark/pipelinectl/internal/tailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func writeEventLine(t *testing.T, path string, event domain.Event, withTrailingNewline bool) {
	t.Helper()
	line, err := json.Marshal(event)
	require.NoError(t, err)
	content := string(line)
	if withTrailingNewline {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendLine(t *testing.T, path string, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestTick_NewFile_PublishesCompleteLines(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	writeEventLine(t, path, domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: domain.Now()}, true)

	tl.Tick()

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EvStart, events[0].Event)
}

func TestTick_IncompleteTrailingLine_NotProcessedUntilNewlineArrives(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	line, _ := json.Marshal(domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: domain.Now()})
	require.NoError(t, os.WriteFile(path, line, 0o644)) // no trailing newline

	tl.Tick()
	assert.Empty(t, pub.snapshot())

	appendLine(t, path, "\n")
	tl.Tick()
	assert.Len(t, pub.snapshot(), 1)
}

func TestTick_SameLineTwice_DedupedByKey(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	ev := domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: domain.Now()}
	writeEventLine(t, path, ev, true)
	tl.Tick()

	// Truncate offset back artificially isn't possible via public API; instead
	// append the identical line again (simulating a duplicate at a new offset)
	// and confirm the dedup key (not just the offset) suppresses it.
	line, _ := json.Marshal(ev)
	appendLine(t, path, string(line)+"\n")
	tl.Tick()

	assert.Len(t, pub.snapshot(), 1)
}

func TestTick_OldEvent_FilteredByLiveWindow(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	old := domain.Now().Add(-time.Hour)
	writeEventLine(t, path, domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: old}, true)

	tl.Tick()
	assert.Empty(t, pub.snapshot())
}

func TestTick_MalformedLine_SkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	assert.NotPanics(t, func() { tl.Tick() })
	assert.Empty(t, pub.snapshot())
}

func TestTick_FileOverSealSize_SealedImmediately(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, LiveEventWindow: 15 * time.Minute, SealSize: 10}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	writeEventLine(t, path, domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: domain.Now()}, true)

	tl.Tick()
	// Sealed on the very first tick (file already exceeds the tiny seal
	// size), so even this first batch of lines is never read.
	assert.Empty(t, pub.snapshot())

	appendLine(t, path, "more data that would be new if unsealed\n")
	tl.Tick()
	assert.Empty(t, pub.snapshot())
}

func TestOffsets_PersistAndReload_ResumesFromSameOffset(t *testing.T) {
	dir := t.TempDir()
	offsetsFile := filepath.Join(dir, "offsets.json")
	pub := &fakePublisher{}
	tl := tailer.New(tailer.Config{EventLogsDir: dir, OffsetsFile: offsetsFile, LiveEventWindow: 15 * time.Minute}, pub)

	path := filepath.Join(dir, "pipeline_run-1.jsonl")
	writeEventLine(t, path, domain.Event{RunID: "run-1", Stage: domain.StagePipeline, Event: domain.EvStart, Timestamp: domain.Now()}, true)
	tl.Tick()
	require.Len(t, pub.snapshot(), 1)

	pub2 := &fakePublisher{}
	tl2 := tailer.New(tailer.Config{EventLogsDir: dir, OffsetsFile: offsetsFile, LiveEventWindow: 15 * time.Minute}, pub2)
	tl2.Tick()
	// No new lines since the persisted offset already covers the file.
	assert.Empty(t, pub2.snapshot())
}

func TestArchiveSweeper_OldFile_MovedToArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline_old.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	sweeper := tailer.NewArchiveSweeper(dir, 7*24*time.Hour, 24*time.Hour)
	n, err := sweeper.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(dir, "archive", "pipeline_old.jsonl"))
	assert.NoError(t, err)
}

func TestArchiveSweeper_RecentFile_NotMoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline_recent.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	sweeper := tailer.NewArchiveSweeper(dir, 7*24*time.Hour, 24*time.Hour)
	n, err := sweeper.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiveSweeper_NameCollision_TimestampSuffixApplied(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "pipeline_old.jsonl"), []byte("existing"), 0o644))

	path := filepath.Join(dir, "pipeline_old.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	sweeper := tailer.NewArchiveSweeper(dir, 7*24*time.Hour, 24*time.Hour)
	n, err := sweeper.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
