package cmd

import (
	"fmt"

	"github.com/josephlewis42/jobsh/core/logger"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Explore the shell event log.",
}

var reportCommand = &cobra.Command{
	Use:   "report",
	Short: "Show a report of events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		var report logger.Report
		return summarizeEvents(cmd, report.Update, &report)
	},
}

var failuresCommand = &cobra.Command{
	Use:   "failures",
	Short: "Show commands that weren't found or didn't succeed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		report := logger.NewFailureReport()
		return summarizeEvents(cmd, report.Update, report)
	},
}

// summarizeEvents feeds every entry of the event log to update and prints
// report as YAML.
func summarizeEvents(cmd *cobra.Command, update func(*logger.LogEntry), report interface{}) error {
	log := newLogger()
	defer log.Sync()

	config, err := loadConfig(log, false)
	if err != nil {
		return err
	}
	if config.EventLog == "" {
		return fmt.Errorf("event logging is disabled in %s", config.Dir())
	}

	fd, err := config.ReadEventLog()
	if err != nil {
		return err
	}
	defer fd.Close()

	if err := logger.ReadJSONLinesLog(fd, update); err != nil {
		return err
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	return nil
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(reportCommand)
	eventsCmd.AddCommand(failuresCommand)
}
