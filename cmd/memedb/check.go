package main

import (
	"context"
	"fmt"

	"github.com/sorenkell/memedb/internal/model"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify index consistency and optionally repair it",
	Long: `Check that every indexed record has a matching vector and vice versa.
A crash or killed process can leave the two sides diverged; inconsistent
records are excluded from search results until repaired.

With --repair, orphan vectors are deleted and records missing their
vector are re-embedded through the model (or marked failed when the
model is unreachable, so the next 'memedb index' retries them).

With --rebuild, every vector is re-derived from the stored captions and
tags. Use after switching embedding models: the index dimension is
re-learned from the new model.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().Bool("repair", false, "fix the inconsistencies found")
	checkCmd.Flags().Bool("rebuild", false, "re-embed every record from scratch")
}

// reembedViaGateway derives a record's vector the same way the indexing
// pipeline does, over the effective caption and tag union
func reembedViaGateway(gateway model.Gateway) store.ReembedFunc {
	return func(ctx context.Context, rec *store.Record) ([]float32, error) {
		text := model.EmbeddingText(rec.EffectiveCaption(), rec.Tags())
		if text == "" {
			return nil, fmt.Errorf("record %s has no caption or tags to embed", rec.ID)
		}
		return gateway.Embed(ctx, text)
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging()

	repair, _ := cmd.Flags().GetBool("repair")
	rebuild, _ := cmd.Flags().GetBool("rebuild")

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	util.InfoLog("Checking database integrity...")
	if err := db.CheckIntegrity(); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.SuccessLog("Database file is sound")

	// Stale records are advisory, never a violation: the files are gone
	// but the records stay searchable until the user deletes them
	records, err := db.List(store.Filter{})
	if err != nil {
		return err
	}
	staleCount := 0
	for _, rec := range records {
		if rec.Stale {
			if staleCount == 0 {
				util.WarnLog("Records whose file is gone (kept, delete manually if unwanted):")
			}
			staleCount++
			util.WarnLog("  %s  %s", rec.ID, rec.Path)
		}
	}

	ctx := context.Background()

	if rebuild {
		gateway := newGateway()
		defer gateway.Close()

		util.InfoLog("Rebuilding all vectors (this calls the embedding model once per record)...")
		rebuilt, err := db.ReindexVectors(ctx, reembedViaGateway(gateway))
		if err != nil {
			return fmt.Errorf("rebuild failed after %d records: %w", rebuilt, err)
		}
		util.SuccessLog("Rebuilt %d vectors", rebuilt)
		return nil
	}

	report, err := db.CheckConsistency()
	if err != nil {
		return fmt.Errorf("consistency check failed: %w", err)
	}

	if report.Clean() {
		util.SuccessLog("Index is consistent")
		return nil
	}

	if len(report.MissingVectors) > 0 {
		util.WarnLog("%d indexed records have no vector:", len(report.MissingVectors))
		for _, id := range report.MissingVectors {
			util.WarnLog("  %s", id)
		}
	}
	if len(report.OrphanVectors) > 0 {
		util.WarnLog("%d vectors have no record:", len(report.OrphanVectors))
		for _, id := range report.OrphanVectors {
			util.WarnLog("  %s", id)
		}
	}
	if len(report.WrongDimension) > 0 {
		util.WarnLog("%d vectors have the wrong dimension:", len(report.WrongDimension))
		for _, id := range report.WrongDimension {
			util.WarnLog("  %s", id)
		}
	}

	if !repair {
		util.InfoLog("Run 'memedb check --repair' to fix")
		return fmt.Errorf("%w: %d violations found", util.ErrStoreConsistency,
			len(report.MissingVectors)+len(report.OrphanVectors)+len(report.WrongDimension))
	}

	gateway := newGateway()
	defer gateway.Close()

	if err := db.Repair(ctx, report, reembedViaGateway(gateway)); err != nil {
		return fmt.Errorf("repair failed: %w", err)
	}

	after, err := db.CheckConsistency()
	if err != nil {
		return err
	}
	if !after.Clean() {
		return fmt.Errorf("%w: violations remain after repair", util.ErrStoreConsistency)
	}
	util.SuccessLog("Index repaired")
	return nil
}
