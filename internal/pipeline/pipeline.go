// Package pipeline orchestrates indexing: directory traversal, content
// dedup, model calls and store writes. Runs are idempotent (known
// content is skipped without model calls) and resumable (failed and
// half-processed records pick up where they left off).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sorenkell/memedb/internal/dupe"
	"github.com/sorenkell/memedb/internal/fingerprint"
	"github.com/sorenkell/memedb/internal/model"
	"github.com/sorenkell/memedb/internal/report"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
)

// ImageExtensions are the default supported image file extensions
var ImageExtensions = []string{
	".jpg",
	".jpeg",
	".png",
	".gif",
	".webp",
}

// Indexer runs the indexing pipeline over a directory tree
type Indexer struct {
	store       *store.Store
	gateway     model.Gateway
	logger      *report.EventLogger
	extensions  map[string]bool
	concurrency int
	batchSize   int
	maxDepth    int
	force       bool
	dupThresh   int
}

// Config holds indexer configuration
type Config struct {
	Store          *store.Store
	Gateway        model.Gateway
	Logger         *report.EventLogger
	AdditionalExts []string
	Concurrency    int
	BatchSize      int // embedding batch size
	MaxDepth       int // 0 = unlimited
	Force          bool
	DupThreshold   int // perceptual distance for advisory duplicate flag
}

// New creates a new Indexer
func New(cfg *Config) *Indexer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.DupThreshold <= 0 {
		cfg.DupThreshold = dupe.DefaultThreshold
	}

	extMap := make(map[string]bool)
	for _, ext := range ImageExtensions {
		extMap[strings.ToLower(ext)] = true
	}
	for _, ext := range cfg.AdditionalExts {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[strings.ToLower(ext)] = true
	}

	return &Indexer{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		logger:      cfg.Logger,
		extensions:  extMap,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
		maxDepth:    cfg.MaxDepth,
		force:       cfg.Force,
		dupThresh:   cfg.DupThreshold,
	}
}

// embedItem is one captioned record waiting for its vector
type embedItem struct {
	rec  *store.Record
	path string
}

// runState carries shared mutable state of a single Run
type runState struct {
	known     map[string]*store.Record // content_hash -> record at run start
	claimed   map[string]bool          // content hashes claimed within this run
	phashed   []*store.Record          // records carrying a perceptual hash
	mu        sync.Mutex
	indexed   atomic.Int64
	skipped   atomic.Int64
	dups      atomic.Int64
	failed    atomic.Int64
	resumed   atomic.Int64
	stale     atomic.Int64
	found     atomic.Int64
	processed atomic.Int64
	failures  []report.FileFailure
}

func (st *runState) addFailure(path string, err error) {
	st.failed.Add(1)
	st.mu.Lock()
	st.failures = append(st.failures, report.FileFailure{Path: path, Reason: err.Error()})
	st.mu.Unlock()
}

// claim reserves a content hash for this run. The second file with the
// same bytes loses the claim and is skipped, so identical files can
// never race into two records.
func (st *runState) claim(contentHash string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.claimed[contentHash] {
		return false
	}
	st.claimed[contentHash] = true
	return true
}

func (st *runState) lookup(contentHash string) *store.Record {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.known[contentHash]
}

// Run indexes every supported image under dir and returns the run
// summary. Per-file failures never abort the batch; the summary's Err
// reports them as a partial failure.
func (ix *Indexer) Run(ctx context.Context, dir string) (*report.RunSummary, error) {
	start := time.Now()
	util.InfoLog("Starting index of: %s", dir)

	existing, err := ix.store.List(store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load existing records: %w", err)
	}

	state := &runState{
		known:   make(map[string]*store.Record, len(existing)),
		claimed: make(map[string]bool),
	}
	for _, rec := range existing {
		state.known[rec.ContentHash] = rec
		if rec.PerceptualHash != "" {
			state.phashed = append(state.phashed, rec)
		}
	}
	util.InfoLog("Loaded %d existing records", len(existing))

	filePaths := make(chan string, 100)
	embedQueue := make(chan embedItem, ix.batchSize*4)

	bar := ix.startProgress(ctx, state)

	// Embed batcher: groups captioned records into batched model calls,
	// flushing at batch size or on a timer (degrades to per-item on
	// batch failure)
	var batcherWg sync.WaitGroup
	batcherWg.Add(1)
	go func() {
		defer batcherWg.Done()
		ix.runEmbedBatcher(ctx, embedQueue, state)
	}()

	// Worker pool
	var wg sync.WaitGroup
	for i := 0; i < ix.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range filePaths {
				select {
				case <-ctx.Done():
					return
				default:
				}
				ix.processFile(ctx, path, state, embedQueue)
				state.processed.Add(1)
			}
		}()
	}

	walkErr := ix.walk(ctx, dir, filePaths, state)

	close(filePaths)
	wg.Wait()
	close(embedQueue)
	batcherWg.Wait()

	if bar != nil {
		bar.Finish()
	}

	// Stale detection needs a complete picture: only a full, uncancelled
	// walk can confirm a file is gone rather than not-yet-visited
	if walkErr == nil && ctx.Err() == nil {
		ix.flagStale(dir, state)
	}

	summary := &report.RunSummary{
		StartedAt:  start,
		Duration:   time.Since(start),
		FilesFound: int(state.found.Load()),
		Indexed:    int(state.indexed.Load()),
		Skipped:    int(state.skipped.Load()),
		Duplicates: int(state.dups.Load()),
		Failed:     int(state.failed.Load()),
		Resumed:    int(state.resumed.Load()),
		Stale:      int(state.stale.Load()),
		Failures:   state.failures,
	}

	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return summary, fmt.Errorf("walk error: %w", walkErr)
	}

	util.SuccessLog("Index complete: %d indexed, %d skipped, %d failed",
		summary.Indexed, summary.Skipped, summary.Failed)
	return summary, nil
}

// flagStale marks records whose file under the scanned tree is
// confirmed gone and whose content was not seen anywhere else this run.
// Records are flagged, never deleted; the flag clears itself when the
// content reappears.
func (ix *Indexer) flagStale(dir string, state *runState) {
	for _, rec := range state.known {
		if state.claimed[rec.ContentHash] {
			continue
		}
		rel, err := filepath.Rel(dir, rec.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Indexed from a different tree; this run proves nothing
			continue
		}
		if _, err := os.Stat(rec.Path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if rec.Stale {
			continue
		}
		if err := ix.store.SetStale(rec.ID, true); err != nil {
			util.WarnLog("Failed to flag stale record %s: %v", rec.ID, err)
			continue
		}
		state.stale.Add(1)
		util.WarnLog("File gone, record kept: %s (%s)", rec.Path, rec.ID)
		ix.logger.LogStale(rec.ID, rec.Path)
	}
}

// walk feeds matching file paths to the workers, honoring depth limits
// and cancellation. New files are not dispatched once ctx is done.
func (ix *Indexer) walk(ctx context.Context, dir string, filePaths chan<- string, state *runState) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			util.WarnLog("Error accessing path %s: %v", path, err)
			return nil // keep walking
		}

		if d.IsDir() {
			if ix.maxDepth > 0 && path != dir {
				rel, relErr := filepath.Rel(dir, path)
				if relErr == nil && len(strings.Split(rel, string(filepath.Separator))) >= ix.maxDepth {
					return fs.SkipDir
				}
			}
			return nil
		}

		if !ix.isImageFile(path) {
			return nil
		}

		state.found.Add(1)
		select {
		case filePaths <- path:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// processFile advances one file through the per-file state machine:
// hashed -> (skip | captioned) -> queued for embedding. Terminal
// failures are recorded on the store and the summary, never returned.
func (ix *Indexer) processFile(ctx context.Context, path string, state *runState, embedQueue chan<- embedItem) {
	raw, err := os.ReadFile(path)
	if err != nil {
		util.ErrorLog("Failed to read %s: %v", path, err)
		state.addFailure(path, err)
		ix.logger.LogFailure("", path, err)
		return
	}

	fp, err := fingerprint.Compute(raw)
	if err != nil {
		// Undecodable image: record the failure under its content ID so
		// a fixed file (or fixed decoder) is retried next run
		util.WarnLog("Cannot decode %s: %v", path, err)
		state.addFailure(path, err)
		ix.logger.LogFailure(fp.ID(), path, err)
		if fp.ContentHash != "" && state.claim(fp.ContentHash) {
			rec := &store.Record{
				ID:          fp.ID(),
				Path:        path,
				ContentHash: fp.ContentHash,
				Status:      store.StatusFailed,
				Stage:       store.StageHashed,
				Error:       err.Error(),
			}
			if upsertErr := ix.store.Upsert(rec, nil); upsertErr != nil {
				util.ErrorLog("Failed to record decode failure for %s: %v", path, upsertErr)
			}
		}
		return
	}

	if !state.claim(fp.ContentHash) {
		// Identical bytes already handled in this run
		util.DebugLog("Duplicate content within run: %s", path)
		state.skipped.Add(1)
		ix.logger.LogSkip(fp.ID(), path)
		return
	}

	prior := state.lookup(fp.ContentHash)
	if prior != nil && !ix.force {
		switch {
		case prior.Status == store.StatusIndexed:
			// Idempotent re-run: zero model calls
			util.DebugLog("Already indexed: %s", path)
			state.skipped.Add(1)
			ix.logger.LogSkip(prior.ID, path)
			if prior.Path != path || prior.Stale {
				// The file moved or came back; re-path without re-indexing
				prior.Path = path
				prior.Stale = false
				if err := ix.store.Upsert(prior, nil); err != nil {
					util.WarnLog("Failed to update path for %s: %v", prior.ID, err)
				}
			}
			return
		case prior.Status == store.StatusPending && prior.Stage == store.StageCaptioned:
			// Interrupted after captioning: resume at the embed stage
			util.DebugLog("Resuming %s from captioned stage", path)
			state.resumed.Add(1)
			prior.Path = path
			prior.Stale = false
			select {
			case embedQueue <- embedItem{rec: prior, path: path}:
			case <-ctx.Done():
			}
			return
		}
		// failed or freshly pending records fall through and reprocess
	}

	rec := &store.Record{
		ID:             fp.ID(),
		Path:           path,
		ContentHash:    fp.ContentHash,
		PerceptualHash: fp.PerceptualHash,
		Status:         store.StatusPending,
		Stage:          store.StageHashed,
	}
	if prior != nil {
		rec.UserTags = prior.UserTags
		rec.CaptionOverride = prior.CaptionOverride
	}

	// Advisory near-duplicate flag: similar content still gets its own
	// record, the user decides what to do with the pair
	state.mu.Lock()
	neighbors := make([]*store.Record, len(state.phashed))
	copy(neighbors, state.phashed)
	state.mu.Unlock()
	if near, dist, ok := dupe.Nearest(neighbors, fp.PerceptualHash, ix.dupThresh); ok && near.ID != rec.ID {
		rec.DuplicateOf = near.ID
		state.dups.Add(1)
		util.InfoLog("Near-duplicate: %s looks like %s (distance %d)", path, near.Path, dist)
		ix.logger.LogDuplicate(rec.ID, path, near.ID, dist)
	}

	if err := ix.store.Upsert(rec, nil); err != nil {
		util.ErrorLog("Failed to create record for %s: %v", path, err)
		state.addFailure(path, err)
		ix.logger.LogFailure(rec.ID, path, err)
		return
	}
	ix.logger.LogDiscover(rec.ID, path)
	state.mu.Lock()
	if rec.PerceptualHash != "" {
		state.phashed = append(state.phashed, rec)
	}
	state.mu.Unlock()

	captionStart := time.Now()
	caption, tags, err := ix.gateway.Caption(ctx, raw)
	if err != nil {
		util.ErrorLog("Caption failed for %s: %v", path, err)
		state.addFailure(path, err)
		ix.logger.LogFailure(rec.ID, path, err)
		if markErr := ix.store.MarkFailed(rec.ID, err.Error()); markErr != nil {
			util.ErrorLog("Failed to mark %s failed: %v", rec.ID, markErr)
		}
		return
	}

	rec.Caption = caption
	rec.AutoTags = model.NormalizeTags(tags)
	rec.ModelTag = ix.gateway.ModelTag()
	if err := ix.store.SaveCaption(rec.ID, rec.Caption, rec.AutoTags, rec.ModelTag); err != nil {
		util.ErrorLog("Failed to save caption for %s: %v", path, err)
		state.addFailure(path, err)
		return
	}
	rec.Stage = store.StageCaptioned
	rec.Status = store.StatusPending
	ix.logger.LogCaption(rec.ID, path, time.Since(captionStart))

	select {
	case embedQueue <- embedItem{rec: rec, path: path}:
	case <-ctx.Done():
	}
}

// runEmbedBatcher drains the embed queue, batching texts into single
// model calls. Mirrors the flush-on-size-or-timer shape of a batch
// writer; a failed batch degrades to per-item embedding.
func (ix *Indexer) runEmbedBatcher(ctx context.Context, embedQueue <-chan embedItem, state *runState) {
	batch := make([]embedItem, 0, ix.batchSize)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ix.embedBatch(ctx, batch, state)
		batch = batch[:0]
	}

	for {
		select {
		case item, ok := <-embedQueue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= ix.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Leave queued items at their captioned stage for resumption
			return
		}
	}
}

func (ix *Indexer) embedBatch(ctx context.Context, batch []embedItem, state *runState) {
	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = model.EmbeddingText(item.rec.EffectiveCaption(), item.rec.Tags())
	}

	vecs, err := ix.gateway.EmbedBatch(ctx, texts)
	if err != nil {
		util.WarnLog("Embed batch of %d failed, retrying per item: %v", len(batch), err)
		for i, item := range batch {
			vec, itemErr := ix.gateway.Embed(ctx, texts[i])
			if itemErr != nil {
				ix.failEmbed(item, itemErr, state)
				continue
			}
			ix.finishItem(item, vec, state)
		}
		return
	}

	for i, item := range batch {
		ix.finishItem(item, vecs[i], state)
	}
}

func (ix *Indexer) finishItem(item embedItem, vec []float32, state *runState) {
	item.rec.Status = store.StatusIndexed
	item.rec.Stage = store.StageIndexed
	item.rec.Error = ""
	item.rec.IndexedAt = time.Now().UTC()

	if err := ix.store.Upsert(item.rec, vec); err != nil {
		ix.failEmbed(item, err, state)
		return
	}
	state.indexed.Add(1)
	ix.logger.LogEmbed(item.rec.ID, item.path)
	ix.logger.LogIndex(item.rec.ID, item.path, time.Since(item.rec.FirstSeenAt))
	util.DebugLog("Indexed: %s (%s)", item.path, item.rec.ID)
}

func (ix *Indexer) failEmbed(item embedItem, err error, state *runState) {
	util.ErrorLog("Embed failed for %s: %v", item.path, err)
	state.addFailure(item.path, err)
	ix.logger.LogFailure(item.rec.ID, item.path, err)
	if markErr := ix.store.MarkFailed(item.rec.ID, err.Error()); markErr != nil {
		util.ErrorLog("Failed to mark %s failed: %v", item.rec.ID, markErr)
	}
}

// startProgress runs the progress reporter when stdout is a TTY
func (ix *Indexer) startProgress(ctx context.Context, state *runState) *progressbar.ProgressBar {
	if !util.IsTerminal(os.Stdout.Fd()) || util.IsQuiet() {
		return nil
	}

	barWidth := 40
	if w := util.GetTerminalWidth(); w < 100 {
		barWidth = w / 2
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionSetWidth(barWidth),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				found := state.found.Load()
				if found == 0 {
					continue
				}
				bar.Describe(fmt.Sprintf("Indexing | %d found | %d indexed | %d cached | %d failed",
					found, state.indexed.Load(), state.skipped.Load(), state.failed.Load()))
				bar.Set64(state.processed.Load())
			}
		}
	}()

	return bar
}

func (ix *Indexer) isImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ix.extensions[ext]
}
