package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	logFormatJSON    = "json"
	logFormatConsole = "console"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	log           zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "braid-node",
	Short: "Synchronize Braid documents over a gossip network",
	// usage is only useful for flag errors, which cobra reports itself
	SilenceUsage:      true,
	PersistentPreRunE: initLogger,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path of a YAML config file overriding the defaults")
	rootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "info", "level for logging output")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", logFormatConsole, "format of logging output, json or console")
}

// initLogger configures the logger with the requested level and format and UTC timestamps.
func initLogger(cmd *cobra.Command, _ []string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(flagLogLevel))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	var out io.Writer = cmd.ErrOrStderr()
	switch strings.ToLower(flagLogFormat) {
	case logFormatJSON:
	case logFormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return fmt.Errorf("invalid log format %q, expected %s or %s", flagLogFormat, logFormatJSON, logFormatConsole)
	}

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return nil
}
