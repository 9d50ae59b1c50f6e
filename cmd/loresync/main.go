package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loreweave/loresync/internal/config"
	"github.com/loreweave/loresync/internal/conn"
	"github.com/loreweave/loresync/internal/headless"
	"github.com/loreweave/loresync/internal/media"
	"github.com/loreweave/loresync/internal/registry"
	"github.com/loreweave/loresync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loresync",
	Short: "Offline-first sync for collaborative writing projects",
	Long: `loresync keeps local writing projects in sync with a loreweave server.

Documents are edited locally first: everything works with no network at
all, and the sync layer reconciles with the server whenever connectivity
returns. Media files (maps, portraits, recordings) are tracked per project
and uploaded or downloaded as needed.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./loresync.yaml or ~/.config/loresync/loresync.yaml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "media", Title: "Media Commands:"},
	)
}

// app bundles the wired components a command needs. Close tears them down
// in reverse dependency order.
type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	mgr      *conn.Manager
	driver   *headless.Driver
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	reg, err := registry.New(s, nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	mcfg := conn.DefaultConfig()
	mcfg.Store = s
	mcfg.WSBase = cfg.WSBase
	if cfg.Token != "" {
		token := cfg.Token
		mcfg.Token = func(ctx context.Context) (string, error) { return token, nil }
	}
	mgr, err := conn.NewManager(mcfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	driver, err := headless.New(mgr, &headless.Config{Timeout: cfg.SyncTimeout})
	if err != nil {
		s.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: s, registry: reg, mgr: mgr, driver: driver}, nil
}

// mediaEngine builds the media engine, which needs a configured server.
func (a *app) mediaEngine(progress media.ProgressFunc) (*media.Engine, error) {
	if a.cfg.APIBase == "" {
		return nil, fmt.Errorf("no api_base configured; run 'loresync login' first")
	}
	if a.cfg.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'loresync login' first")
	}
	token := a.cfg.Token
	return media.NewEngine(media.Config{
		APIBase:    a.cfg.APIBase,
		Token:      func(ctx context.Context) (string, error) { return token, nil },
		Store:      a.store,
		Registry:   a.registry,
		OnProgress: progress,
	})
}

func (a *app) Close() {
	a.mgr.DisconnectAll()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
