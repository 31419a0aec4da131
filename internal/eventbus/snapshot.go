package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// LoadJSONLEventsSince scans every pipeline_*.jsonl file directly under the
// event-logs directory (not its archive/ subdirectory) for events within
// the last windowHours, optionally excluding the verbose event types,
// returning at most maxEvents entries in chronological order. This is a
// utility scan, not a live-channel operation.
func (eb *EventBus) LoadJSONLEventsSince(windowHours float64, maxEvents int, excludeVerbose bool) ([]domain.Event, error) {
	cutoff := time.Now().Add(-time.Duration(windowHours * float64(time.Hour)))

	matches, err := filepath.Glob(filepath.Join(eb.cfg.EventLogsDir, "pipeline_*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("eventbus: glob event logs: %w", err)
	}

	var events []domain.Event
	for _, path := range matches {
		lines, err := readLines(path)
		if err != nil {
			slog.Warn("eventbus: failed to scan event log", "path", path, "error", err)
			continue
		}
		for _, line := range lines {
			var event domain.Event
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			if event.Timestamp.Before(cutoff) {
				continue
			}
			if excludeVerbose && verboseEvents[event.Event] {
				continue
			}
			events = append(events, event)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	if maxEvents > 0 && len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	return events, nil
}

// GetSnapshotCached is a TTL-memoized form of LoadJSONLEventsSince,
// intended for repeated dashboard-snapshot polling. Concurrent callers
// during a cache miss share a single underlying scan via singleflight.
func (eb *EventBus) GetSnapshotCached(windowHours float64, maxEvents int, excludeVerbose bool, ttl time.Duration) ([]domain.Event, error) {
	key := fmt.Sprintf("%g|%d|%v", windowHours, maxEvents, excludeVerbose)

	if entry, ok := eb.snapshotCache.Get(key); ok {
		return entry.events, nil
	}

	v, err, _ := eb.sf.Do(key, func() (interface{}, error) {
		events, err := eb.LoadJSONLEventsSince(windowHours, maxEvents, excludeVerbose)
		if err != nil {
			return nil, err
		}
		eb.snapshotCache.SetWithTTL(key, snapshotEntry{events: events}, ttl)
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Event), nil
}

// EnsureDirs creates the event-logs directory and its archive subdirectory.
// Exposed so the Orchestrator Facade can prepare the filesystem layout at
// startup without triggering it indirectly via the first Publish call.
func (eb *EventBus) EnsureDirs() error {
	if eb.cfg.EventLogsDir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(eb.cfg.EventLogsDir, "archive"), 0o755); err != nil {
		return fmt.Errorf("eventbus: create event logs dirs: %w", err)
	}
	return nil
}
