// Package main provides the entry point for the Job Autopilot automation server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Job Autopilot automation server",
	Long:  "Job Autopilot orchestrates job application automation runs, scheduled applications, and AI email replies via REST API and websocket progress streaming.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
