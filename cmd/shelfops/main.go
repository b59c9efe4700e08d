package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFiles []string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}

var rootCmd = &cobra.Command{
	Use:   "shelfops",
	Short: "Model lifecycle orchestration for per-tenant demand forecasts",
	Long: `shelfops decides when each tenant's forecasting model is retrained,
whether a retrained candidate replaces the serving champion, and keeps the
model registry consistent across the database and the file registry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(logLevel)
	},
}

func setLogLevel(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}

	log.SetLevel(level)

	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shelfops %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&cfgFiles, "config", nil,
		"config file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		fmt.Sprintf("log level (%s)", logLevels()))

	rootCmd.AddCommand(versionCmd)
}

func logLevels() string {
	names := make([]string, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		names = append(names, l.String())
	}

	return strings.Join(names, ", ")
}
