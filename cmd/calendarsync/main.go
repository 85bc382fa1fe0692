// Command calendarsync mirrors iCal feeds, Google calendars and CalDAV
// collections into one Google calendar per sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := createServeCmd()

	rootCmd := &cobra.Command{
		Use:   "calendarsync",
		Short: "Mirror calendar feeds into a Google calendar",
		Long: `
Mirror iCal feeds, Google calendars and CalDAV collections into one
destination Google calendar per sync.

Configuration is read from the environment, or from a .env file in the
working directory:

  BASE_URL, GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, SESSION_SECRET (required)
  DATABASE_PATH, SYNC_SCHEDULE, SYNC_WORKERS, SYNC_TIMEOUT, LOG_LEVEL, ...

Without a subcommand the HTTP server is started.
`,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}

	rootCmd.AddCommand(
		serveCmd,
		createSyncCmd(),
		createDispatchCmd(),
		createCalendarsCmd(),
	)
	return rootCmd
}
