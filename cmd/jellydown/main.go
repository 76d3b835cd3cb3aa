// Package main is the jellydown CLI: a cobra command surface that drives an
// in-process download engine (spec.md §6.2's verbs, minus the HTTP layer
// spec.md places out of scope), grounded on the teacher's
// cmd/daemon/status_cmd.go and report_cmd.go subcommand style. It also
// starts the ambient Prometheus/health listener the way cmd/daemon/main.go
// starts promhttp, since instrumentation is carried regardless of the
// excluded REST surface.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/config"
	"github.com/jellyvod/jellydown/internal/engine/muxer"
	"github.com/jellyvod/jellydown/internal/engine/retention"
	"github.com/jellyvod/jellydown/internal/engine/scheduler"
	"github.com/jellyvod/jellydown/internal/fsx"
	"github.com/jellyvod/jellydown/internal/jlog"
	"github.com/jellyvod/jellydown/internal/settingsstore"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jellydown",
		Short: "Convert a remote adaptive-bitrate stream into a single downloadable file",
	}
	root.AddCommand(
		versionCmd(),
		startCmd(),
		listCmd(),
		progressCmd(),
		cancelCmd(),
		pauseCmd(),
		unpauseCmd(),
		queueCmd(),
		cacheCmd(),
		serveCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// loadConfig is a thin wrapper so subcommands that only need TempDir don't
// each reconfigure logging.
func loadConfig() config.Config {
	return config.Load()
}

// newScheduler wires one Scheduler instance from config + settings, the same
// ambient-config-then-settings-store precedence cmd/daemon/main.go follows.
func newScheduler() (*scheduler.Scheduler, *settingsstore.Store, error) {
	cfg := config.Load()
	jlog.Configure(jlog.Config{Level: cfg.LogLevel, Service: "jellydown"})

	store, err := settingsstore.Open(cfg.SettingsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open settings store: %w", err)
	}
	settings := store.Get()

	tool, err := muxer.NewFFmpegTool(cfg.FFmpegPath)
	if err != nil {
		return nil, nil, err
	}

	retentionStore := retention.New(settings.DownloadsDir, clock.RealClock{}, fsx.RealFS{}, func() *int {
		return store.Get().DefaultRetentionDays
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:  settings.MaxConcurrentDownloads,
		TempRoot:       cfg.TempDir,
		DownloadsRoot:  settings.DownloadsDir,
		RetentionStore: retentionStore,
		NewTool:        func() (muxer.Tool, error) { return tool, nil },
	})
	if err := sched.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize scheduler: %w", err)
	}
	return sched, store, nil
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, exposing only /metrics and /healthz (no REST API; spec.md places the HTTP command surface out of scope)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, _, err := newScheduler()
			if err != nil {
				return err
			}
			defer sched.Shutdown()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			logger := jlog.WithComponent("cli")
			logger.Info().Int("port", port).Msg("serving /metrics and /healthz")
			return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
		},
	}
	cmd.Flags().IntVar(&port, "port", 9090, "metrics/health listen port")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Retention cache maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one retention/cleanup sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, _, err := newScheduler()
			if err != nil {
				return err
			}
			n := sched.RunCleanupSweep()
			fmt.Printf("deleted %d expired artifact(s)\n", n)
			return nil
		},
	})
	return cmd
}
