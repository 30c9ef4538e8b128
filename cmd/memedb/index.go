package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sorenkell/memedb/internal/pipeline"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index <directory>",
	Short: "Index every image under a directory",
	Long: `Recursively scan a directory for images, caption and tag each one with
the vision model, and store the results in the index.

Runs are idempotent: files whose content is already indexed are skipped
without any model calls, so re-running after adding a few images only
processes the new ones. An interrupted run resumes where it stopped.

A file that fails (undecodable, model error) is recorded and retried on
the next run; it never aborts the rest of the batch. When some files
fail the command exits with code 2 instead of 0.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)

	indexCmd.Flags().BoolP("force", "f", false, "re-caption and re-embed files that are already indexed")
	indexCmd.Flags().IntP("concurrency", "c", 0, "number of files processed in parallel (default 4)")
	indexCmd.Flags().Int("batch-size", 0, "embedding batch size (default 8)")
	indexCmd.Flags().Int("max-depth", 0, "limit directory recursion depth (0 = unlimited)")
	indexCmd.Flags().StringSlice("ext", nil, "additional image extensions to index (e.g. --ext bmp)")
	indexCmd.Flags().Int("dup-threshold", 0, "perceptual distance for near-duplicate flagging (default 10)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	setupLogging()

	dir := args[0]
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	force, _ := cmd.Flags().GetBool("force")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	extraExts, _ := cmd.Flags().GetStringSlice("ext")
	dupThreshold, _ := cmd.Flags().GetInt("dup-threshold")
	if concurrency <= 0 {
		concurrency = GetConfigInt("concurrency", 4)
	}
	if batchSize <= 0 {
		batchSize = GetConfigInt("batch_size", 8)
	}
	if dupThreshold <= 0 {
		dupThreshold = GetConfigInt("dup_threshold", 0)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	gateway := newGateway()
	defer gateway.Close()

	logger := newEventLogger()
	defer logger.Close()
	if logger.Path() != "" {
		util.InfoLog("Event log: %s", logger.Path())
	}

	// Ctrl-C stops dispatching new files; whatever is in flight is
	// persisted at its current stage and resumed next run
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	indexer := pipeline.New(&pipeline.Config{
		Store:          db,
		Gateway:        gateway,
		Logger:         logger,
		AdditionalExts: extraExts,
		Concurrency:    concurrency,
		BatchSize:      batchSize,
		MaxDepth:       maxDepth,
		Force:          force,
		DupThreshold:   dupThreshold,
	})

	summary, err := indexer.Run(ctx, dir)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	summary.Print()
	if ctx.Err() != nil {
		util.WarnLog("Interrupted; run again to resume")
	}
	return summary.Err()
}
