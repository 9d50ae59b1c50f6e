package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loreweave/loresync/internal/daemon"
	"github.com/loreweave/loresync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync worker",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon resumes media uploads that were recorded as pending before a
crash or restart, and optionally watches a drop directory: files named
{owner}__{project}__{filename} placed there are imported as project media
and queued for upload.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if a.cfg.Daemon.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   a.cfg.Daemon.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			})
		}

		engine, err := a.mediaEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(daemon.Config{
			Store:          a.store,
			Registry:       a.registry,
			Engine:         engine,
			DropDir:        a.cfg.Daemon.MediaDropDir,
			ResumeInterval: a.cfg.Daemon.ResumeInterval,
			Logger:         logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s daemon running (ctrl-c to stop)\n", ui.RenderAccent("⟳"))
		logger.Printf("Daemon started, resume interval %s", a.cfg.Daemon.ResumeInterval)

		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Daemon stopped with error: %v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("Daemon stopped")
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
