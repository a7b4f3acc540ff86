package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/josephlewis42/jobsh/core"
	"github.com/josephlewis42/jobsh/core/config"
	"github.com/josephlewis42/jobsh/core/logger"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath string
	verbose bool
	command string

	// exitCode is the status the process exits with once the command
	// returns.
	exitCode int
)

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "jobsh")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// loadConfig loads the configuration, optionally falling back to the
// built-in defaults if the directory was never initialized.
func loadConfig(log *zap.Logger, fallback bool) (*config.Configuration, error) {
	configuration, err := config.Load(afero.NewOsFs(), cfgPath)

	if errors.Is(err, fs.ErrNotExist) {
		if !fallback {
			log.Error("couldn't load config: did you run init?", zap.String("path", cfgPath))
			return nil, err
		}
		log.Debug("no config found, using defaults", zap.String("path", cfgPath))
		return config.LoadDefault()
	}

	return configuration, err
}

// openEventLog returns a recorder for the session, or a no-op one if event
// logging is disabled.
func openEventLog(configuration *config.Configuration, log *zap.Logger) (*logger.SessionLogger, func() error, error) {
	if configuration.EventLog == "" {
		return logger.NewNopLogger().Sessionless(), func() error { return nil }, nil
	}

	fd, err := configuration.OpenEventLog()
	if err != nil {
		return nil, nil, err
	}

	session := logger.NewJSONLinesLogRecorder(fd).NewSession()
	log.Debug("recording events",
		zap.String("session", session.SessionID()),
		zap.String("file", fd.Name()))
	return session, fd.Close, nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobsh",
	Short: "A job control shell",
	Long: `An interactive shell that runs pipelines of programs, tracks background
jobs and hands the terminal to foreground jobs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		log := newLogger()
		defer log.Sync()

		configuration, err := loadConfig(log, true)
		if err != nil {
			return err
		}

		events, closeEvents, err := openEventLog(configuration, log)
		if err != nil {
			return err
		}
		defer closeEvents()

		shell, err := core.NewShell(core.ShellOptions{
			Config: configuration,
			Log:    log,
			Events: events,
		})
		if err != nil {
			return err
		}
		defer shell.Close()

		ctx := context.Background()
		if cmd.Flags().Changed("command") {
			exitCode = shell.RunLine(ctx, command)
		} else {
			exitCode = shell.Run(ctx)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigDir(), "config path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log diagnostics to stderr")
	rootCmd.Flags().StringVarP(&command, "command", "c", "", "run a single command line and exit")
}
