package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sorenkell/memedb/internal/search"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search the index with natural language",
	Long: `Embed the query text and return the closest matches from the index,
best first. Multiple words are treated as one query; quoting is not
required.

Results can be narrowed before ranking with --tag (repeatable, all must
match) and --path-contains. Matches below --min-score are dropped;
pass --min-score=-1 to see everything.`,
	Example: `  memedb search cat wearing sunglasses
  memedb search "distracted boyfriend" -k 5
  memedb search dog --tag reaction --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntP("limit", "k", 0, "maximum number of results (default 20)")
	searchCmd.Flags().Float64("min-score", 0, "drop matches below this similarity (default 0.25, -1 disables)")
	searchCmd.Flags().StringSliceP("tag", "t", nil, "only consider records carrying this tag (repeatable)")
	searchCmd.Flags().String("path-contains", "", "only consider records whose path contains this substring")
	searchCmd.Flags().Bool("json", false, "emit results as JSON")
}

// searchResultJSON is the stable shape of --json output
type searchResultJSON struct {
	ID      string   `json:"id"`
	Path    string   `json:"path"`
	Score   float64  `json:"score"`
	Caption string   `json:"caption"`
	Tags    []string `json:"tags,omitempty"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	setupLogging()

	query := strings.Join(args, " ")
	k, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	tagFilter, _ := cmd.Flags().GetStringSlice("tag")
	pathContains, _ := cmd.Flags().GetString("path-contains")
	asJSON, _ := cmd.Flags().GetBool("json")
	if k <= 0 {
		k = GetConfigInt("k", 0)
	}
	if minScore == 0 {
		minScore = GetConfigFloat("min_score", 0)
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

	engine := search.New(db, gateway, logger)
	results, err := engine.Search(context.Background(), query, search.Options{
		K:            k,
		MinScore:     minScore,
		Tags:         tagFilter,
		PathContains: pathContains,
	})
	if err != nil {
		return err
	}

	if asJSON {
		out := make([]searchResultJSON, len(results))
		for i, r := range results {
			out[i] = searchResultJSON{
				ID:      r.Record.ID,
				Path:    r.Record.Path,
				Score:   r.Score,
				Caption: r.Record.EffectiveCaption(),
				Tags:    r.Record.Tags(),
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(results) == 0 {
		util.WarnLog("No matches for %q", query)
		util.InfoLog("Try a broader query, or --min-score=-1 to see weak matches")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. [%.3f] %s\n", i+1, r.Score, r.Record.Path)
		fmt.Printf("    %s  %s\n", r.Record.ID, r.Record.EffectiveCaption())
		if tags := r.Record.Tags(); len(tags) > 0 {
			fmt.Printf("    tags: %s\n", strings.Join(tags, ", "))
		}
	}
	return nil
}
