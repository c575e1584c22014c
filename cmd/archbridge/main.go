// archbridge - Telegram Architect bridge
//
// Routes Telegram chat messages to a long-running Architect CLI agent,
// with per-chat conversation threads and a persistent worker pool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "archbridge",
	Short: "archbridge - Telegram Architect bridge",
	Long: `archbridge routes Telegram chat messages to an Architect CLI agent.
Each allowlisted chat gets its own conversation thread and, optionally,
a slot in a bounded pool of persistent workers.

  archbridge serve     Start the bridge
  archbridge status    Show bridge health via the HTTP API`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ARCHBRIDGE_SERVER", "http://localhost:7081"), "bridge HTTP API URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
