package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/headless"
	"github.com/loreweave/loresync/internal/ui"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:     "sync <owner:project:element> [more ids...]",
	GroupID: "sync",
	Short:   "Push documents to the server without opening an editor",
	Long: `Sync one or more documents headlessly.

Each id names a document as owner:project:element, e.g.
alice:middle-earth:rivendell. With no server configured the command
succeeds immediately: local-only is a valid state, not a failure.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ids := make([]docid.DocumentID, 0, len(args))
		for _, arg := range args {
			id, err := docid.Parse(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			ids = append(ids, id)
		}

		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		driver := a.driver
		if syncTimeout > 0 {
			driver, err = headless.New(a.mgr, &headless.Config{Timeout: syncTimeout})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if len(ids) == 1 {
			if err := driver.SyncDocument(context.Background(), ids[0]); err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("✗"), err)
				os.Exit(1)
			}
			fmt.Printf("%s %s synced\n", ui.RenderPass("✓"), ids[0])
			return
		}

		result := driver.SyncBatch(context.Background(), ids)
		for _, id := range result.Success {
			fmt.Printf("%s %s\n", ui.RenderPass("✓"), id)
		}
		for _, failure := range result.Failed {
			fmt.Printf("%s %s: %v\n", ui.RenderError("✗"), failure.ID, failure.Err)
		}
		fmt.Printf("\n%d synced, %d failed\n", len(result.Success), len(result.Failed))
		if len(result.Failed) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 0, "per-document sync timeout (default from config)")
	rootCmd.AddCommand(syncCmd)
}
