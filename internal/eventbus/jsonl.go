package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// verboseEvents names event types excluded from the JSONL log unless the
// stage or event type overrides it.
var verboseEvents = map[string]bool{
	domain.EvMetric: true, domain.EvProgress: true, domain.EvHeartbeat: true,
	domain.EvFileStart: true, domain.EvFileFinish: true, domain.EvLog: true,
}

var jsonlAlwaysWriteEvents = map[string]bool{
	domain.EvStart: true, domain.EvSuccess: true, domain.EvFailed: true,
	domain.EvError: true, domain.EvStateChange: true,
}

// shouldWriteJSONL skips verbose (stage, event) pairs from the JSONL log
// unless the stage is pipeline/scheduler or the event type is in the
// always-write override set.
func shouldWriteJSONL(event domain.Event) bool {
	if !verboseEvents[event.Event] {
		return true
	}
	if event.Stage == domain.StagePipeline || event.Stage == domain.StageScheduler {
		return true
	}
	return jsonlAlwaysWriteEvents[event.Event]
}

func (eb *EventBus) eventLogPath(runID string) string {
	return filepath.Join(eb.cfg.EventLogsDir, fmt.Sprintf("pipeline_%s.jsonl", runID))
}

// writeJSONL appends event to its run's JSONL file, rotating the file into
// archive/ first if it has already reached RotateSize. Failures are logged and
// swallowed — the publisher never raises.
func (eb *EventBus) writeJSONL(event domain.Event) {
	if !shouldWriteJSONL(event) || eb.cfg.EventLogsDir == "" {
		return
	}

	eb.jsonlMu.Lock()
	defer eb.jsonlMu.Unlock()

	if err := os.MkdirAll(eb.cfg.EventLogsDir, 0o755); err != nil {
		slog.Warn("eventbus: failed to create event logs dir", "error", err)
		return
	}

	path := eb.eventLogPath(event.RunID)
	if err := eb.rotateIfNeededLocked(path); err != nil {
		slog.Warn("eventbus: failed to rotate event log", "path", path, "error", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		slog.Warn("eventbus: failed to marshal event", "error", err)
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("eventbus: failed to open event log", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("eventbus: failed to write event to file", "path", path, "error", err)
	}
}

// rotateIfNeededLocked renames path into archive/ with a timestamp suffix
// if its size is already at or above RotateSize. Caller must hold jsonlMu.
func (eb *EventBus) rotateIfNeededLocked(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < eb.cfg.RotateSize {
		return nil
	}

	archiveDir := filepath.Join(eb.cfg.EventLogsDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("mkdir archive: %w", err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	dest := filepath.Join(archiveDir, fmt.Sprintf("%s_%d%s", name, time.Now().UnixNano(), ext))

	return os.Rename(path, dest)
}

// GetEventsForRun reads the per-run JSONL file and returns up to limit
// parsed tail lines. Malformed lines are skipped.
func (eb *EventBus) GetEventsForRun(runID string, limit int) []domain.Event {
	path := eb.eventLogPath(runID)
	lines, err := readLines(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("eventbus: failed to read events for run", "run_id", runID, "error", err)
		}
		return nil
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	events := make([]domain.Event, 0, len(lines))
	for _, line := range lines {
		var event domain.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
