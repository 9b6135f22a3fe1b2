package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genwatch/internal/infra"
)

const cliExecutable = "jobwatch"

// session carries what PersistentPreRunE resolved to the subcommands.
type session struct {
	cfg    *infra.TrackerConfig
	logger zerolog.Logger
}

// NewCommand constructs the top-level jobwatch CLI command.
func NewCommand() *cobra.Command {
	var (
		statusURL      string
		streamURL      string
		verbosityCount int
		s              session
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Watch image generation jobs until they finish",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg := infra.TrackerConfigFromEnv()
			if statusURL != "" {
				cfg.StatusBaseURL = statusURL
			}
			if streamURL != "" {
				cfg.StreamURL = streamURL
			}
			if err := cfg.Finalize(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := infra.NewWriterLogger(cmd.OutOrStdout(), cfg.AppEnv)
			switch {
			case verbosityCount == 1:
				logger = logger.Level(zerolog.DebugLevel)
			case verbosityCount > 1:
				logger = logger.Level(zerolog.TraceLevel)
			}

			s.cfg = cfg
			s.logger = logger
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVar(&statusURL, "status-url", "", "Status API base URL (overrides STATUS_BASE_URL)")
	cmd.PersistentFlags().StringVar(&streamURL, "stream-url", "", "Push stream URL (overrides STREAM_URL)")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")

	cmd.AddCommand(newTrackCommand(&s))

	return cmd
}
