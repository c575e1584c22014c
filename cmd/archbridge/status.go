package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/status")
	if err != nil {
		return fmt.Errorf("connecting to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge error (%d): %s", resp.StatusCode, string(body))
	}

	var status struct {
		UptimeSeconds  float64        `json:"uptime_seconds"`
		BusyChats      int            `json:"busy_chats"`
		Sessions       int            `json:"sessions"`
		ActiveWorkers  int            `json:"active_workers"`
		RestartQueued  bool           `json:"restart_queued"`
		RestartRunning bool           `json:"restart_running"`
		RequestCounts  map[string]int `json:"request_counts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Uptime:           %.0fs\n", status.UptimeSeconds)
	fmt.Printf("Busy chats:       %d\n", status.BusyChats)
	fmt.Printf("Sessions:         %d\n", status.Sessions)
	fmt.Printf("Active workers:   %d\n", status.ActiveWorkers)
	fmt.Printf("Restart queued:   %v\n", status.RestartQueued)
	fmt.Printf("Restart running:  %v\n", status.RestartRunning)
	if len(status.RequestCounts) > 0 {
		fmt.Println("Requests:")
		for reqStatus, count := range status.RequestCounts {
			fmt.Printf("  %-12s %d\n", reqStatus, count)
		}
	}

	return nil
}
