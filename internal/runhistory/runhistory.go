// Package runhistory persists completed-run summaries as append-only,
// dated JSON-lines files and serves the list/filter/get queries the
// Health (C5) and policy-gate layers read from.
package runhistory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// History appends RunSummary records to dated files under a runs
// directory and reads them back in reverse chronological order.
type History struct {
	dir string
	mu  sync.Mutex
}

// New returns a History rooted at dir. The directory is created lazily
// on first write.
func New(dir string) *History {
	return &History{dir: dir}
}

// dailyPath returns the JSONL file for a "YYYY-MM-DD" day string. Callers
// pick the day; Persist uses the America/Chicago date of EndedAt.
func (h *History) dailyPath(day string) string {
	return filepath.Join(h.dir, fmt.Sprintf("%s.jsonl", day))
}

// Persist appends summary to the file named for the day it ended on.
func (h *History) Persist(summary domain.RunSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("runhistory: create runs dir: %w", err)
	}

	day := summary.EndedAt.In(domain.Chicago).Format("2006-01-02")
	path := h.dailyPath(day)

	line, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("runhistory: marshal summary: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runhistory: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("runhistory: write %s: %w", path, err)
	}
	return nil
}

// datedFilesDescending returns every {YYYY-MM-DD}.jsonl file under the
// runs dir, most recent day first. Non-matching files are ignored.
func (h *History) datedFilesDescending() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runhistory: read runs dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// List returns up to limit RunSummary records, most recently ended
// first, scanning dated files in reverse chronological order and each
// file's lines in reverse. If resultFilter is non-nil, only summaries
// with a matching Result are returned.
func (h *History) List(limit int, resultFilter *domain.RunResult) ([]domain.RunSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	files, err := h.datedFilesDescending()
	if err != nil {
		return nil, err
	}

	var out []domain.RunSummary
	for _, name := range files {
		if limit > 0 && len(out) >= limit {
			break
		}
		summaries, err := h.readFile(filepath.Join(h.dir, name))
		if err != nil {
			slog.Warn("runhistory: skipping unreadable runs file", "path", name, "error", err)
			continue
		}
		for i := len(summaries) - 1; i >= 0; i-- {
			if resultFilter != nil && summaries[i].Result != *resultFilter {
				continue
			}
			out = append(out, summaries[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Get linearly searches dated files (most recent first) for the run
// with the given id. Returns nil, nil if no match is found.
func (h *History) Get(runID string) (*domain.RunSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	files, err := h.datedFilesDescending()
	if err != nil {
		return nil, err
	}

	for _, name := range files {
		summaries, err := h.readFile(filepath.Join(h.dir, name))
		if err != nil {
			slog.Warn("runhistory: skipping unreadable runs file", "path", name, "error", err)
			continue
		}
		for i := len(summaries) - 1; i >= 0; i-- {
			if summaries[i].RunID == runID {
				s := summaries[i]
				return &s, nil
			}
		}
	}
	return nil, nil
}

// readFile parses every well-formed line of path; malformed lines are
// skipped with a warning rather than failing the whole read.
func (h *History) readFile(path string) ([]domain.RunSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.RunSummary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var s domain.RunSummary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			slog.Warn("runhistory: skipping malformed run summary line", "path", path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, scanner.Err()
}
