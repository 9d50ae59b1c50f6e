package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/media"
	"github.com/loreweave/loresync/internal/ui"
)

var mediaCmd = &cobra.Command{
	Use:     "media",
	GroupID: "media",
	Short:   "Reconcile project media with the server",
	Long: `Inspect and transfer a project's binary assets.

Media (maps, portraits, audio) syncs outside the document stream: each
item is classified as synced, local-only, or server-only, and moved whole
over HTTP.`,
}

var mediaStatusCmd = &cobra.Command{
	Use:   "status <owner/project>",
	Short: "Show the media diff between local storage and the server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, engine, cleanup := mediaSetup(args[0], nil)
		defer cleanup()

		status, err := engine.CheckSyncStatus(context.Background(), key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.RenderHeader(fmt.Sprintf("Media for %s", key)))
		for _, item := range status.Items {
			marker := ui.RenderPass("✓")
			switch item.Status {
			case media.StatusLocalOnly:
				marker = ui.RenderWarn("↑")
			case media.StatusServerOnly:
				marker = ui.RenderWarn("↓")
			}
			name := item.Filename
			if name == "" {
				name = ui.RenderSubtle("(no filename)")
			}
			fmt.Printf("  %s %-30s %8d  %s\n", marker, name, item.Size, ui.RenderSubtle(string(item.Status)))
		}
		fmt.Printf("\n%d to download, %d to upload\n", status.NeedsDownload, status.NeedsUpload)
	},
}

var mediaPullCmd = &cobra.Command{
	Use:   "pull <owner/project>",
	Short: "Download every server-only media item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, engine, cleanup := mediaSetup(args[0], printProgress)
		defer cleanup()

		if err := engine.DownloadAll(context.Background(), key); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s media pulled for %s\n", ui.RenderPass("✓"), key)
	},
}

var mediaPushCmd = &cobra.Command{
	Use:   "push <owner/project>",
	Short: "Upload every local-only media item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, engine, cleanup := mediaSetup(args[0], printProgress)
		defer cleanup()

		if err := engine.UploadAll(context.Background(), key); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s media pushed for %s\n", ui.RenderPass("✓"), key)
	},
}

var mediaFullCmd = &cobra.Command{
	Use:   "full <owner/project>",
	Short: "Full reconciliation: download, upload, mark synced",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, engine, cleanup := mediaSetup(args[0], printProgress)
		defer cleanup()

		if err := engine.FullSync(context.Background(), key); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s %s fully synced\n", ui.RenderPass("✓"), key)
	},
}

// mediaSetup parses the project key and wires an engine, exiting on any
// configuration problem.
func mediaSetup(raw string, progress media.ProgressFunc) (docid.ProjectKey, *media.Engine, func()) {
	key, err := docid.ParseProjectKey(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	engine, err := a.mediaEngine(progress)
	if err != nil {
		a.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return key, engine, a.Close
}

func printProgress(key docid.ProjectKey, phase media.Phase, percent int) {
	fmt.Printf("\r%s %s %3d%%", ui.RenderAccent("⟳"), phase, percent)
	if percent == 100 {
		fmt.Println()
	}
}

func init() {
	mediaCmd.AddCommand(mediaStatusCmd, mediaPullCmd, mediaPushCmd, mediaFullCmd)
	rootCmd.AddCommand(mediaCmd)
}
