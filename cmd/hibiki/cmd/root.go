// Package cmd implements the CLI commands for hibiki.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hibikitv/hibiki/internal/config"
	"github.com/hibikitv/hibiki/internal/observability"
	"github.com/hibikitv/hibiki/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hibiki",
	Short:   "Live TV streaming core for Japanese digital broadcasts",
	Version: version.Short(),
	Long: `hibiki sits between a digital-broadcast tuner backend (EDCB or
Mirakurun) and many viewers: it reserves tuners on demand, transcodes the
raw MPEG-2 TS through an external encoder, and fans the encoded stream out
to every connected client of a (channel, quality) pair.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		logger := observability.NewLogger(cfg.Logging)
		observability.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/hibiki, $HOME/.hibiki)")
}
