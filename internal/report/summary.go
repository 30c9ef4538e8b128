package report

import (
	"fmt"
	"time"

	"github.com/sorenkell/memedb/internal/util"
)

// RunSummary aggregates per-file outcomes of one indexing run
type RunSummary struct {
	StartedAt time.Time
	Duration  time.Duration

	FilesFound int
	Indexed    int
	Skipped    int
	Duplicates int
	Failed     int
	Resumed    int
	Stale      int

	Failures []FileFailure
}

// FileFailure records one file that could not be indexed
type FileFailure struct {
	Path   string
	Reason string
}

// Partial reports whether the run completed with per-file failures
func (s *RunSummary) Partial() bool {
	return s.Failed > 0
}

// Print writes the end-of-run summary through the standard logger
func (s *RunSummary) Print() {
	util.SuccessLog("=== Indexing Summary ===")
	util.InfoLog("  Files found:    %d", s.FilesFound)
	util.InfoLog("  Indexed:        %d", s.Indexed)
	util.InfoLog("  Skipped (known): %d", s.Skipped)
	if s.Resumed > 0 {
		util.InfoLog("  Resumed:        %d", s.Resumed)
	}
	if s.Duplicates > 0 {
		util.InfoLog("  Near-duplicates flagged: %d", s.Duplicates)
	}
	if s.Stale > 0 {
		util.WarnLog("  Flagged stale:  %d (files gone, records kept)", s.Stale)
	}
	if s.Failed > 0 {
		util.WarnLog("  Failed:         %d", s.Failed)
		limit := len(s.Failures)
		if limit > 10 {
			limit = 10
		}
		for _, f := range s.Failures[:limit] {
			util.WarnLog("    %s: %s", f.Path, f.Reason)
		}
		if len(s.Failures) > limit {
			util.WarnLog("    ... and %d more (see event log)", len(s.Failures)-limit)
		}
	}
	util.InfoLog("  Total time:     %v", s.Duration.Round(time.Millisecond))
}

// Err returns the partial-failure sentinel when any file failed, so the
// CLI can exit nonzero without treating the run as fatal
func (s *RunSummary) Err() error {
	if !s.Partial() {
		return nil
	}
	return fmt.Errorf("%w: %d of %d files", util.ErrPartialIndex, s.Failed, s.FilesFound)
}
