package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/loreweave/loresync/internal/config"
	"github.com/loreweave/loresync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Configure the sync server connection",
	Long: `Interactively configure the server endpoints and access token.

The settings are written to the config file with the token readable only
by the current user. Leave the fields empty to work offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		apiBase := cfg.APIBase
		wsBase := cfg.WSBase
		token := cfg.Token

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("API base URL").
					Description("e.g. https://sync.loreweave.app/api").
					Value(&apiBase),
				huh.NewInput().
					Title("WebSocket base URL").
					Description("e.g. wss://sync.loreweave.app").
					Value(&wsBase),
				huh.NewInput().
					Title("Access token").
					EchoMode(huh.EchoModePassword).
					Value(&token),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cfg.APIBase = strings.TrimSpace(apiBase)
		cfg.WSBase = strings.TrimSpace(wsBase)
		cfg.Token = strings.TrimSpace(token)

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := cfg.Write(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if cfg.APIBase == "" && cfg.WSBase == "" {
			fmt.Printf("%s configured for offline-only use (%s)\n", ui.RenderWarn("●"), path)
			return
		}
		fmt.Printf("%s connection saved to %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
