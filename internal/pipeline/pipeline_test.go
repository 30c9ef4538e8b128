package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sorenkell/memedb/internal/report"
	"github.com/sorenkell/memedb/internal/store"
)

// fakeGateway is an in-process model gateway with canned answers and
// call counters
type fakeGateway struct {
	captionCalls atomic.Int64
	embedCalls   atomic.Int64
	captionErr   error
	embedErr     error
}

func (g *fakeGateway) Caption(ctx context.Context, image []byte) (string, []string, error) {
	g.captionCalls.Add(1)
	if g.captionErr != nil {
		return "", nil, g.captionErr
	}
	return fmt.Sprintf("test image of %d bytes", len(image)), []string{"test"}, nil
}

func (g *fakeGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	g.embedCalls.Add(1)
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (g *fakeGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := g.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (g *fakeGateway) ModelTag() string { return "fake-caption+fake-embed" }
func (g *fakeGateway) Close()           {}

func writePNG(t *testing.T, path string, w, h, split int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < split {
				img.Set(x, y, color.RGBA{R: 250, G: 250, B: 250, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 10, G: 10, B: 10, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func testSetup(t *testing.T) (*store.Store, *fakeGateway, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, &fakeGateway{}, t.TempDir()
}

func newIndexer(s *store.Store, gw *fakeGateway) *Indexer {
	return New(&Config{
		Store:       s,
		Gateway:     gw,
		Logger:      report.NullLogger(),
		Concurrency: 2,
		BatchSize:   4,
	})
}

func TestIndexDirectory(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)
	writePNG(t, filepath.Join(dir, "b.png"), 32, 32, 4)
	os.MkdirAll(filepath.Join(dir, "sub"), 0755)
	writePNG(t, filepath.Join(dir, "sub", "c.png"), 32, 32, 28)
	// Not an image extension: ignored entirely
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644)

	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.FilesFound != 3 {
		t.Errorf("files found = %d, want 3", summary.FilesFound)
	}
	if summary.Indexed != 3 {
		t.Errorf("indexed = %d, want 3", summary.Indexed)
	}
	if summary.Failed != 0 {
		t.Errorf("failed = %d, want 0", summary.Failed)
	}
	if summary.Err() != nil {
		t.Errorf("unexpected partial failure: %v", summary.Err())
	}

	count, _ := s.CountByStatus(store.StatusIndexed)
	if count != 3 {
		t.Errorf("store has %d indexed records, want 3", count)
	}

	records, _ := s.List(store.Filter{Status: store.StatusIndexed})
	for _, rec := range records {
		if rec.Caption == "" {
			t.Errorf("record %s has no caption", rec.ID)
		}
		if rec.ModelTag != "fake-caption+fake-embed" {
			t.Errorf("record %s model tag = %q", rec.ID, rec.ModelTag)
		}
		vec, err := s.GetVector(rec.ID)
		if err != nil || vec == nil {
			t.Errorf("record %s has no vector: %v", rec.ID, err)
		}
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)
	writePNG(t, filepath.Join(dir, "b.png"), 32, 32, 4)

	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	captionsAfterFirst := gw.captionCalls.Load()
	embedsAfterFirst := gw.embedCalls.Load()

	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if gw.captionCalls.Load() != captionsAfterFirst {
		t.Errorf("second run made %d extra caption calls",
			gw.captionCalls.Load()-captionsAfterFirst)
	}
	if gw.embedCalls.Load() != embedsAfterFirst {
		t.Errorf("second run made %d extra embed calls",
			gw.embedCalls.Load()-embedsAfterFirst)
	}
	if summary.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", summary.Skipped)
	}
	if count, _ := s.CountAll(); count != 2 {
		t.Errorf("record count = %d, want 2", count)
	}
}

func TestIdenticalFilesProduceOneRecord(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "original.png"), 32, 32, 16)
	raw, err := os.ReadFile(filepath.Join(dir, "original.png"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "copy.png"), raw, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if count, _ := s.CountAll(); count != 1 {
		t.Errorf("identical files produced %d records, want 1", count)
	}
	if summary.Indexed != 1 || summary.Skipped != 1 {
		t.Errorf("indexed=%d skipped=%d, want 1 and 1", summary.Indexed, summary.Skipped)
	}
}

func TestSimilarFilesGetAdvisoryFlag(t *testing.T) {
	s, gw, dir := testSetup(t)

	// Same layout at two resolutions: distinct bytes, near-identical pixels
	writePNG(t, filepath.Join(dir, "small.png"), 32, 32, 16)
	writePNG(t, filepath.Join(dir, "large.png"), 64, 64, 32)

	ix := New(&Config{
		Store:       s,
		Gateway:     gw,
		Logger:      report.NullLogger(),
		Concurrency: 1, // deterministic processing order
		BatchSize:   4,
	})
	summary, err := ix.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if count, _ := s.CountAll(); count != 2 {
		t.Fatalf("similar files produced %d records, want 2", count)
	}
	if summary.Duplicates != 1 {
		t.Errorf("duplicates flagged = %d, want 1", summary.Duplicates)
	}

	records, _ := s.List(store.Filter{})
	flagged := 0
	for _, rec := range records {
		if rec.DuplicateOf != "" {
			flagged++
			if other, _ := s.Get(rec.DuplicateOf); other == nil {
				t.Errorf("duplicate_of %s points at missing record", rec.DuplicateOf)
			}
		}
	}
	if flagged != 1 {
		t.Errorf("%d records carry the advisory flag, want 1", flagged)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	s, gw, dir := testSetup(t)

	for i := 0; i < 8; i++ {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("ok-%d.png", i)), 32, 32, 2+i*3)
	}
	os.WriteFile(filepath.Join(dir, "broken1.png"), []byte("not a png"), 0644)
	os.WriteFile(filepath.Join(dir, "broken2.jpg"), []byte("also not an image"), 0644)

	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Indexed != 8 {
		t.Errorf("indexed = %d, want 8", summary.Indexed)
	}
	if summary.Failed != 2 {
		t.Errorf("failed = %d, want 2", summary.Failed)
	}
	if !summary.Partial() {
		t.Error("expected a partial run")
	}
	if summary.Err() == nil {
		t.Error("expected partial-failure error")
	}

	indexed, _ := s.CountByStatus(store.StatusIndexed)
	failed, _ := s.CountByStatus(store.StatusFailed)
	if indexed != 8 || failed != 2 {
		t.Errorf("store has %d indexed, %d failed; want 8 and 2", indexed, failed)
	}
}

func TestFailedRecordsRetriedNextRun(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)

	gw.captionErr = fmt.Errorf("model exploded")
	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}

	// The model recovers; the failed record is retried, not skipped
	gw.captionErr = nil
	summary, err = newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Indexed != 1 {
		t.Errorf("indexed = %d on retry run, want 1", summary.Indexed)
	}
	if count, _ := s.CountByStatus(store.StatusFailed); count != 0 {
		t.Errorf("%d records still failed after retry", count)
	}
}

func TestResumeFromCaptionedStage(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)

	// First pass captions but cannot embed, leaving the record at the
	// captioned stage
	gw.embedErr = fmt.Errorf("embed service down")
	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	captionsAfterFirst := gw.captionCalls.Load()

	// Put the record back to pending/captioned as an interrupt would
	records, _ := s.List(store.Filter{})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	rec.Status = store.StatusPending
	rec.Stage = store.StageCaptioned
	if err := s.Upsert(rec, nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	gw.embedErr = nil
	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}

	if gw.captionCalls.Load() != captionsAfterFirst {
		t.Errorf("resume run repeated the caption call")
	}
	if summary.Resumed != 1 {
		t.Errorf("resumed = %d, want 1", summary.Resumed)
	}
	if count, _ := s.CountByStatus(store.StatusIndexed); count != 1 {
		t.Errorf("record not indexed after resume")
	}
}

func TestForceReindexes(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)

	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	captionsAfterFirst := gw.captionCalls.Load()

	ix := New(&Config{
		Store:       s,
		Gateway:     gw,
		Logger:      report.NullLogger(),
		Concurrency: 1,
		BatchSize:   4,
		Force:       true,
	})
	summary, err := ix.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("force run failed: %v", err)
	}

	if gw.captionCalls.Load() <= captionsAfterFirst {
		t.Error("force run should repeat model calls")
	}
	if summary.Indexed != 1 {
		t.Errorf("indexed = %d, want 1", summary.Indexed)
	}
	if count, _ := s.CountAll(); count != 1 {
		t.Errorf("force run duplicated the record: count %d", count)
	}
}

func TestMaxDepthLimitsTraversal(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "top.png"), 32, 32, 16)
	os.MkdirAll(filepath.Join(dir, "deep", "deeper"), 0755)
	writePNG(t, filepath.Join(dir, "deep", "deeper", "nested.png"), 32, 32, 4)

	ix := New(&Config{
		Store:       s,
		Gateway:     gw,
		Logger:      report.NullLogger(),
		Concurrency: 1,
		BatchSize:   4,
		MaxDepth:    1,
	})
	summary, err := ix.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.FilesFound != 1 {
		t.Errorf("files found = %d with depth 1, want 1", summary.FilesFound)
	}
}

func TestMissingFileFlaggedStale(t *testing.T) {
	s, gw, dir := testSetup(t)

	writePNG(t, filepath.Join(dir, "a.png"), 32, 32, 16)
	goner := filepath.Join(dir, "b.png")
	writePNG(t, goner, 32, 32, 4)

	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	raw, err := os.ReadFile(goner)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := os.Remove(goner); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	summary, err := newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Stale != 1 {
		t.Errorf("stale = %d, want 1", summary.Stale)
	}

	// The record is flagged, never deleted: row, status and vector all
	// survive
	if count, _ := s.CountAll(); count != 2 {
		t.Fatalf("record count = %d after file removal, want 2", count)
	}
	records, _ := s.List(store.Filter{})
	var gone, kept *store.Record
	for _, rec := range records {
		if rec.Path == goner {
			gone = rec
		} else {
			kept = rec
		}
	}
	if gone == nil || !gone.Stale {
		t.Fatalf("record for removed file not flagged stale: %+v", gone)
	}
	if gone.Status != store.StatusIndexed {
		t.Errorf("stale record status = %q, want still indexed", gone.Status)
	}
	if vec, _ := s.GetVector(gone.ID); vec == nil {
		t.Error("stale record lost its vector")
	}
	if kept == nil || kept.Stale {
		t.Errorf("surviving file wrongly flagged: %+v", kept)
	}

	// The file comes back: the flag clears without any model calls
	if err := os.WriteFile(goner, raw, 0644); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	captionsBefore := gw.captionCalls.Load()

	summary, err = newIndexer(s, gw).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("third run failed: %v", err)
	}
	if summary.Stale != 0 {
		t.Errorf("stale = %d after restore, want 0", summary.Stale)
	}
	if gw.captionCalls.Load() != captionsBefore {
		t.Error("restoring a known file triggered model calls")
	}
	gone, _ = s.Get(gone.ID)
	if gone.Stale {
		t.Error("stale flag not cleared after the file returned")
	}
}

func TestStaleOnlyJudgedWithinScannedTree(t *testing.T) {
	s, gw, dirA := testSetup(t)

	writePNG(t, filepath.Join(dirA, "a.png"), 32, 32, 16)
	if _, err := newIndexer(s, gw).Run(context.Background(), dirA); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Indexing an unrelated tree says nothing about dirA's files
	dirB := t.TempDir()
	writePNG(t, filepath.Join(dirB, "other.png"), 32, 32, 8)
	summary, err := newIndexer(s, gw).Run(context.Background(), dirB)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Stale != 0 {
		t.Errorf("stale = %d, want 0 for a different tree", summary.Stale)
	}
	records, _ := s.List(store.Filter{})
	for _, rec := range records {
		if rec.Stale {
			t.Errorf("record %s wrongly flagged stale", rec.ID)
		}
	}
}

func TestRepathWithoutReindex(t *testing.T) {
	s, gw, dir := testSetup(t)

	oldPath := filepath.Join(dir, "old.png")
	writePNG(t, oldPath, 32, 32, 16)
	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	captionsAfterFirst := gw.captionCalls.Load()

	newPath := filepath.Join(dir, "renamed.png")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	if _, err := newIndexer(s, gw).Run(context.Background(), dir); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if gw.captionCalls.Load() != captionsAfterFirst {
		t.Error("re-pathed file triggered model calls")
	}
	records, _ := s.List(store.Filter{})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Path != newPath {
		t.Errorf("path = %q, want %q", records[0].Path, newPath)
	}
}
