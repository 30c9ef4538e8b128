package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/tags"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag <id>",
	Short: "Edit tags or the caption of an indexed record",
	Long: `Add or remove your own tags on a record, or override its generated
caption. Record IDs come from search output or 'memedb dupes'.

Edits are metadata-only and never call the model, so tagging works
offline. They do change the text the record is embedded as: pass
--reembed to re-derive the vector in the same invocation, or batch your
edits and run 'memedb check --rebuild' once at the end. Until one of
those runs, searches rank the record by its pre-edit text.

Without flags the record is printed as-is.`,
	Example: `  memedb tag 1a2b3c4d5e6f7a8b --add reaction --add wholesome
  memedb tag 1a2b3c4d5e6f7a8b --remove blurry
  memedb tag 1a2b3c4d5e6f7a8b --caption "kermit sipping tea" --reembed`,
	Args: cobra.ExactArgs(1),
	RunE: runTag,
}

func init() {
	rootCmd.AddCommand(tagCmd)

	tagCmd.Flags().StringSlice("add", nil, "tag to add (repeatable)")
	tagCmd.Flags().StringSlice("remove", nil, "tag to remove (repeatable)")
	tagCmd.Flags().String("caption", "", "override the generated caption (empty string restores it)")
	tagCmd.Flags().Bool("reembed", false, "also re-derive the vector through the model")
}

func runTag(cmd *cobra.Command, args []string) error {
	setupLogging()

	id := args[0]
	add, _ := cmd.Flags().GetStringSlice("add")
	remove, _ := cmd.Flags().GetStringSlice("remove")
	caption, _ := cmd.Flags().GetString("caption")
	captionSet := cmd.Flags().Changed("caption")
	reembed, _ := cmd.Flags().GetBool("reembed")

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	svc := tags.New(db)
	edited := false

	var rec *store.Record
	if len(add) > 0 {
		if rec, err = svc.Add(id, add); err != nil {
			return err
		}
		edited = true
	}
	if len(remove) > 0 {
		if rec, err = svc.Remove(id, remove); err != nil {
			return err
		}
		edited = true
	}
	if captionSet {
		if rec, err = svc.SetCaptionOverride(id, caption); err != nil {
			return err
		}
		edited = true
	}

	if !edited {
		if rec, err = db.Get(id); err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: record %s", util.ErrNotFound, id)
		}
		printRecord(rec)
		return nil
	}

	if reembed {
		gateway := newGateway()
		defer gateway.Close()

		if rec, err = svc.Reembed(context.Background(), gateway, id); err != nil {
			return fmt.Errorf("edits saved, but re-embedding failed: %w", err)
		}
		util.SuccessLog("Record re-embedded")
	} else {
		util.InfoLog("Edits saved; searches use the old vector until --reembed or 'memedb check --rebuild'")
	}

	printRecord(rec)
	return nil
}

func printRecord(rec *store.Record) {
	fmt.Printf("ID:       %s\n", rec.ID)
	fmt.Printf("Path:     %s\n", rec.Path)
	fmt.Printf("Status:   %s\n", rec.Status)
	fmt.Printf("Caption:  %s\n", rec.Caption)
	if rec.CaptionOverride != "" {
		fmt.Printf("Override: %s\n", rec.CaptionOverride)
	}
	if len(rec.AutoTags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(rec.AutoTags, ", "))
	}
	if len(rec.UserTags) > 0 {
		fmt.Printf("My tags:  %s\n", strings.Join(rec.UserTags, ", "))
	}
	if rec.DuplicateOf != "" {
		fmt.Printf("Looks like: %s\n", rec.DuplicateOf)
	}
	if rec.ModelTag != "" {
		fmt.Printf("Model:    %s\n", rec.ModelTag)
	}
	if !rec.IndexedAt.IsZero() {
		fmt.Printf("Indexed:  %s\n", rec.IndexedAt.Format("2006-01-02 15:04:05"))
	}
	if rec.Error != "" {
		fmt.Printf("Error:    %s\n", rec.Error)
	}
}
