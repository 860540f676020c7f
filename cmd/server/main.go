/*
main.go - Application entry point

PURPOSE:
  The credit-ledger command. Loads configuration, opens the SQLite store and
  runs one of the subcommands below.

COMMANDS:
  serve              Start the HTTP API (and the reconciliation scheduler
                     when reconcile.interval > 0)
  reconcile          Run one reconciliation pass and print the report
  migrate up         Apply pending schema migrations
  migrate down       Roll back every migration (destroys data)
  migrate version    Print the applied schema version

CONFIGURATION:
  Precedence, lowest first: defaults, ledger.yaml (., ./config,
  /etc/credit-ledger or --config), LEDGER_* environment variables, flags.
  Examples: LEDGER_DATABASE_PATH, LEDGER_SERVER_ADDR, LEDGER_LOG_LEVEL.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  credit-ledger serve --db ./data/ledger.db --addr :9000
  LEDGER_RECONCILE_INTERVAL=1h credit-ledger serve
  credit-ledger reconcile --config /etc/credit-ledger/ledger.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
