package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index size and health at a glance",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("tags", false, "also show tag usage counts")
}

func runStats(cmd *cobra.Command, args []string) error {
	setupLogging()

	showTags, _ := cmd.Flags().GetBool("tags")

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	total, err := db.CountAll()
	if err != nil {
		return err
	}
	indexed, _ := db.CountByStatus(store.StatusIndexed)
	pending, _ := db.CountByStatus(store.StatusPending)
	failed, _ := db.CountByStatus(store.StatusFailed)

	util.InfoLog("=== Index Statistics ===")
	util.InfoLog("Database: %s", db.Path())
	if info, err := os.Stat(db.Path()); err == nil {
		util.InfoLog("Size:     %s", humanize.Bytes(uint64(info.Size())))
	}
	util.InfoLog("")
	util.InfoLog("Records:  %d", total)
	util.InfoLog("  Indexed: %d", indexed)
	if pending > 0 {
		util.InfoLog("  Pending: %d (interrupted run, re-index to resume)", pending)
	}
	if failed > 0 {
		util.WarnLog("  Failed:  %d (re-index to retry)", failed)
	}
	if stale, err := db.CountStale(); err == nil && stale > 0 {
		util.WarnLog("  Stale:   %d (files gone, records kept; 'memedb check' lists them)", stale)
	}

	if dim, err := db.EmbedDim(); err == nil && dim > 0 {
		util.InfoLog("Vectors:  %d dimensions, %s similarity", dim, db.Metric())
	}
	if last, err := db.LastIndexedAt(); err == nil && !last.IsZero() {
		util.InfoLog("Last indexed: %s (%s)",
			last.Local().Format("2006-01-02 15:04:05"), humanize.Time(last))
	}

	dupFlagged := 0
	records, err := db.List(store.Filter{})
	if err != nil {
		return err
	}
	tagCounts := make(map[string]int)
	for _, rec := range records {
		if rec.DuplicateOf != "" {
			dupFlagged++
		}
		for _, t := range rec.Tags() {
			tagCounts[t]++
		}
	}
	if dupFlagged > 0 {
		util.InfoLog("Near-duplicates flagged: %d (see 'memedb dupes')", dupFlagged)
	}

	if showTags && len(tagCounts) > 0 {
		type tagCount struct {
			tag   string
			count int
		}
		counts := make([]tagCount, 0, len(tagCounts))
		for tag, count := range tagCounts {
			counts = append(counts, tagCount{tag, count})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].tag < counts[j].tag
		})

		util.InfoLog("")
		util.InfoLog("Tags (%d distinct):", len(counts))
		for _, tc := range counts {
			fmt.Printf("  %4d  %s\n", tc.count, tc.tag)
		}
	}

	return nil
}
