package main

import (
	"fmt"

	"github.com/sorenkell/memedb/internal/dupe"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "List groups of visually near-identical images",
	Long: `Group records whose perceptual hashes are within the distance
threshold. These are typically re-encodes, resizes or screenshots of
the same image.

Nothing is deleted or merged; the groups are printed so you can decide.
Lower the threshold for stricter matching, raise it to catch more
aggressive re-crops (at the cost of false positives).`,
	RunE: runDupes,
}

func init() {
	rootCmd.AddCommand(dupesCmd)

	dupesCmd.Flags().Int("threshold", 0, "maximum perceptual distance within a group (default 10)")
}

func runDupes(cmd *cobra.Command, args []string) error {
	setupLogging()

	threshold, _ := cmd.Flags().GetInt("threshold")
	if threshold <= 0 {
		threshold = GetConfigInt("dup_threshold", 0)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	detector := dupe.New(&dupe.Config{Store: db, Threshold: threshold})
	groups, err := detector.Find()
	if err != nil {
		return fmt.Errorf("duplicate detection failed: %w", err)
	}

	if len(groups) == 0 {
		util.SuccessLog("No near-duplicates found")
		return nil
	}

	total := 0
	for i, group := range groups {
		fmt.Printf("Group %d (%d images, max distance %d):\n", i+1, len(group.Records), group.MaxDistance)
		for _, rec := range group.Records {
			fmt.Printf("  %s  %s\n", rec.ID, rec.Path)
		}
		fmt.Println()
		total += len(group.Records)
	}
	util.InfoLog("%d images in %d groups", total, len(groups))
	return nil
}
