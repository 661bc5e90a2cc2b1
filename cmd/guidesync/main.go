package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"guidesync/internal/config"
	"guidesync/internal/engine"
	"guidesync/internal/grid"
	"guidesync/internal/ics"
	appLog "guidesync/internal/log"
	"guidesync/internal/notify"
	"guidesync/internal/schedule"
	"guidesync/internal/web"
)

const version = "0.1.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded by PersistentPreRunE.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "guidesync",
	Short: "Reconcile the Master shift schedule with each guide's calendar",
	Long: `guidesync keeps one Master schedule and one calendar workbook per guide
in agreement. Each pass reads every grid, settles conflicts, writes the
results back and notifies guides of new assignments and releases.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			appLog.SetLevel(appLog.LevelDebug)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		appLog.Sync()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run passes on the configured schedule and serve the HTTP API",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single pass and print its report",
	RunE:  runSync,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/guidesync/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(serveCmd, syncCmd, guideCmd, triggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Sync()
		os.Exit(1)
	}
}

// sharedCalendar returns the configured calendar, or nil when none is set.
func sharedCalendar(c *config.Config) *ics.FileCalendar {
	if c.CalendarID == "" {
		return nil
	}
	return ics.NewFileCalendar(c)
}

func newDispatcher(c *config.Config) *notify.Dispatcher {
	var cal notify.Calendar
	if fc := sharedCalendar(c); fc != nil {
		cal = fc
	}
	return notify.NewDispatcher(cal, notify.NewMailer(c.SMTP), nil)
}

func newRunner(c *config.Config) *engine.Runner {
	return engine.NewRunner(c, grid.DirOpener{Dir: c.WorkbookDir}, newDispatcher(c))
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := newRunner(cfg).RunOnce(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(rep); encErr != nil {
		return encErr
	}
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	appLog.Info("guidesync starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"workers", cfg.Workers,
		"master", cfg.Master,
		"guides", len(cfg.Guides),
		"calendar", cfg.CalendarID,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := newRunner(cfg)
	sched, err := schedule.New(cfg.RefreshCron, cfg.Location(), func(ctx context.Context) error {
		_, err := runner.RunOnce(ctx)
		if errors.Is(err, engine.ErrPassInProgress) {
			appLog.Info("scheduled pass skipped; a manual pass is running")
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	var calReader web.CalendarReader
	if fc := sharedCalendar(cfg); fc != nil {
		calReader = fc
	}
	srv := web.NewServer(cfg, runner, calReader)
	srv.SetNextRun(sched.Next)

	sched.Start()
	serveErr := srv.Serve(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		appLog.Warn("scheduler did not stop cleanly", "err", err)
	}
	appLog.Info("guidesync exiting")
	return serveErr
}
