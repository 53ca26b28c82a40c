// Command hotpatchd watches game projects, rebuilds them on change and
// serves the results to hot-swap runtimes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/config"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/manager"
)

var rootCmd = &cobra.Command{
	Use:           "hotpatchd",
	Short:         "Hot-patch build daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		newServeCommand(),
		newTargetsCommand(),
		newSubscribeCommand(),
		newFetchCommand(),
		newJournalCommand(),
		newMirrorCommand(),
		newVersionCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hotpatchd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and sets up logging from it. Commands
// that only talk to a server tolerate a config without targets.
func loadConfig(requireTargets bool) (config.Config, error) {
	cfg, err := config.Load()
	if errors.Is(err, config.ErrNoTargets) && !requireTargets {
		err = nil
	}
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hotpatchd %s (%s)\n", manager.Version, manager.GitSHA)
		},
	}
}
