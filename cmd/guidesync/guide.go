package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"guidesync/internal/config"
	appLog "guidesync/internal/log"
	"guidesync/internal/model"
)

var guideCmd = &cobra.Command{
	Use:   "guide",
	Short: "Manage the guide registry",
}

var guideAddCmd = &cobra.Command{
	Use:   "add CODE NAME EMAIL CALENDAR",
	Short: "Register a guide and send the welcome mail",
	Long: `Registers a guide. CODE is one capital letter and two digits (G01),
CALENDAR is the reference of the guide's calendar workbook.

Example:
  guidesync guide add G07 "Eva Ruiz" eva@example.com cal_G07`,
	Args: cobra.ExactArgs(4),
	RunE: guideAdd,
}

var guideRemoveCmd = &cobra.Command{
	Use:   "remove CODE",
	Short: "Unregister a guide",
	Args:  cobra.ExactArgs(1),
	RunE:  guideRemove,
}

var guideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered guides",
	Args:  cobra.NoArgs,
	RunE:  guideList,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage the periodic pass",
}

var triggerInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Set how often serve runs a pass",
	Long: `Stores the pass schedule in the config file. Use --every for a plain
interval in minutes or --cron for a five-field expression.`,
	Args: cobra.NoArgs,
	RunE: triggerInstall,
}

var (
	triggerEvery int
	triggerCron  string
)

func init() {
	guideCmd.AddCommand(guideAddCmd, guideRemoveCmd, guideListCmd)

	triggerInstallCmd.Flags().IntVar(&triggerEvery, "every", 5, "Minutes between passes")
	triggerInstallCmd.Flags().StringVar(&triggerCron, "cron", "", "Cron expression (overrides --every)")
	triggerCmd.AddCommand(triggerInstallCmd)
}

func guideAdd(cmd *cobra.Command, args []string) error {
	g := config.GuideConfig{Code: args[0], Name: args[1], Email: args[2], Calendar: args[3]}
	if err := cfg.AddGuide(g); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", g.Code, g.Name)

	// The guide stays registered when the mail fails.
	url := cfg.CalendarURL(g.Calendar)
	guide := model.NewGuide(g.Code, g.Name, g.Email, g.Calendar)
	if err := newDispatcher(cfg).Welcome(cmd.Context(), guide, url); err != nil {
		appLog.Warn("welcome mail failed", "guide", g.Code, "err", err)
	}
	return nil
}

func guideRemove(cmd *cobra.Command, args []string) error {
	if err := cfg.RemoveGuide(args[0]); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}

func guideList(cmd *cobra.Command, _ []string) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tEMAIL\tCALENDAR")
	for _, g := range cfg.Guides {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Code, g.Name, g.Email, g.Calendar)
	}
	return tw.Flush()
}

func triggerInstall(cmd *cobra.Command, _ []string) error {
	spec := triggerCron
	if spec == "" {
		if triggerEvery < 1 {
			return fmt.Errorf("--every must be at least 1, got %d", triggerEvery)
		}
		spec = fmt.Sprintf("@every %dm", triggerEvery)
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	cfg.RefreshCron = spec
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "passes scheduled: %s\n", spec)
	return nil
}
