package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/job-autopilot/internal/automation"
	"github.com/jonathan/job-autopilot/internal/db"
	"github.com/jonathan/job-autopilot/internal/llm"
	"github.com/jonathan/job-autopilot/internal/rpa"
	"github.com/jonathan/job-autopilot/internal/screenshot"
	"github.com/jonathan/job-autopilot/internal/server"
	"github.com/jonathan/job-autopilot/internal/ws"
)

var (
	servePort          int
	serveScriptDir     string
	serveScreenshotDir string
)

// purgeInterval is how often expired screenshot directories are swept.
const purgeInterval = 6 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation API server",
	Long:  `Start an HTTP server that exposes REST endpoints for automation runs and a websocket for live progress.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveScriptDir, "script-dir", "./scripts", "Directory containing automation worker scripts")
	serveCmd.Flags().StringVar(&serveScreenshotDir, "screenshot-dir", "./screenshots", "Directory for run screenshot artifacts")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	ctx := context.Background()

	database, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	replier, err := llm.NewGeminiClient(ctx, apiKey, os.Getenv("GEMINI_MODEL"))
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer replier.Close()

	screenshots, err := screenshot.NewManager(serveScreenshotDir)
	if err != nil {
		return fmt.Errorf("failed to create screenshot manager: %w", err)
	}

	hub := ws.NewHub()

	orch := automation.New(automation.Config{
		Store:       database,
		Runner:      &rpa.ProcessRunner{ScriptDir: serveScriptDir},
		Screenshots: screenshots,
		Hub:         hub,
		Replier:     replier,
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Shutdown()

	stopPurge := startPurgeLoop(database, screenshots)
	defer close(stopPurge)

	srv := server.New(server.Config{
		Port:      servePort,
		Service:   orch,
		Settings:  database,
		Artifacts: screenshots,
		Hub:       hub,
	})

	return srv.Start()
}

// startPurgeLoop periodically removes screenshot directories that outlived the
// configured retention window.
func startPurgeLoop(database *db.DB, screenshots *screenshot.Manager) chan struct{} {
	stop := make(chan struct{})
	ticker := time.NewTicker(purgeInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				settings, err := database.AutomationSettings(ctx)
				if err != nil {
					log.Printf("[purge] failed to load settings: %v", err)
					cancel()
					continue
				}
				if err := screenshots.Purge(ctx, database, settings.Normalized().ScreenshotRetention); err != nil {
					log.Printf("[purge] sweep failed: %v", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()

	return stop
}
