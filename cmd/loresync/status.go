package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loreweave/loresync/internal/registry"
	"github.com/loreweave/loresync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show per-project sync state",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx := context.Background()
		keys, err := a.store.ListProjectKeys(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(keys) == 0 {
			fmt.Println(ui.RenderSubtle("No projects tracked yet."))
			return
		}

		fmt.Println(ui.RenderHeader("Projects"))
		for _, key := range keys {
			state, err := a.registry.Get(ctx, key)
			if err != nil {
				fmt.Printf("  %s %-30s %v\n", ui.RenderError("✗"), key, err)
				continue
			}

			marker := ui.RenderPass("✓")
			switch state.Status {
			case registry.StatusPending:
				marker = ui.RenderWarn("↑")
			case registry.StatusError:
				marker = ui.RenderError("✗")
			case registry.StatusOfflineOnly:
				marker = ui.RenderSubtle("●")
			}

			detail := string(state.Status)
			if n := len(state.PendingUploads); n > 0 {
				detail = fmt.Sprintf("%s, %d pending upload(s)", detail, n)
			}
			if state.LastSync != nil {
				detail = fmt.Sprintf("%s, last sync %s", detail, state.LastSync.Local().Format("2006-01-02 15:04"))
			}
			if state.LastError != "" {
				detail = fmt.Sprintf("%s (%s)", detail, state.LastError)
			}
			fmt.Printf("  %s %-30s %s\n", marker, key, ui.RenderSubtle(detail))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
