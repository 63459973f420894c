package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	serverrun "github.com/javedharis/reviewq/internal/cmd/server"
	cfgpkg "github.com/javedharis/reviewq/internal/config"
	"github.com/javedharis/reviewq/internal/ingest"
	"github.com/javedharis/reviewq/internal/review"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
	logpkg "github.com/javedharis/reviewq/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// Respect REVQ_LOG_LEVEL for CLI output
	level := os.Getenv("REVQ_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "reviewq",
		Short: "reviewq pipeline CLI",
		Long:  "reviewq is a durable customer-review processing pipeline. This CLI manages the server and basic operations.",
	}

	// serve
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the reviewq server (HTTP API and worker pool)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			workers, _ := cmd.Flags().GetInt("workers")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:  cfg.DataDir,
				HTTPAddr: cfg.HTTPAddr,
				Fsync:    mode,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serveCmd.Flags().String("config", os.Getenv("REVQ_CONFIG"), "Path to JSON config file")
	serveCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serveCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serveCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serveCmd.Flags().String("log-level", os.Getenv("REVQ_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serveCmd.Flags().Int("workers", 0, "Worker pool size (default from config)")
	rootCmd.AddCommand(serveCmd)

	// enqueue
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a single review for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			date, _ := cmd.Flags().GetString("date")
			rating, _ := cmd.Flags().GetInt("rating")
			text, _ := cmd.Flags().GetString("text")
			when := time.Now().UTC()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date; use YYYY-MM-DD")
				}
				when = parsed
			}
			return postEnqueue(review.Review{ID: id, Date: when, Rating: rating, Text: text})
		},
	}
	enqueueCmd.Flags().String("id", "", "Review ID (required)")
	enqueueCmd.Flags().String("date", "", "Review date as YYYY-MM-DD (default today)")
	enqueueCmd.Flags().Int("rating", 0, "Star rating 1-5 (required)")
	enqueueCmd.Flags().String("text", "", "Review text (required)")
	_ = enqueueCmd.MarkFlagRequired("id")
	_ = enqueueCmd.MarkFlagRequired("rating")
	_ = enqueueCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(enqueueCmd)

	// enqueue-csv
	enqueueCSVCmd := &cobra.Command{
		Use:   "enqueue-csv <file>",
		Short: "Submit a CSV file of reviews for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			reviews, err := ingest.ReadReviews(f)
			if err != nil {
				return err
			}
			var failed int
			for _, rv := range reviews {
				if err := postEnqueue(rv); err != nil {
					fmt.Fprintf(os.Stderr, "enqueue %s: %v\n", rv.ID, err)
					failed++
				}
			}
			fmt.Printf("submitted %d reviews (%d failed)\n", len(reviews)-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d reviews failed to enqueue", failed)
			}
			return nil
		},
	}
	rootCmd.AddCommand(enqueueCSVCmd)

	// status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show processing status for a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			resp, err := http.Get(apiURL() + "/v1/reviews/status?review_id=" + id)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}
	statusCmd.Flags().String("id", "", "Review ID (required)")
	_ = statusCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(statusCmd)

	// stats
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue and status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/stats")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}
	rootCmd.AddCommand(statsCmd)

	// requeue-failed
	requeueCmd := &cobra.Command{
		Use:   "requeue-failed",
		Short: "Move dead-lettered reviews back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(apiURL()+"/v1/admin/requeue-failed", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printJSONResponse(resp)
		},
	}
	rootCmd.AddCommand(requeueCmd)

	// clear
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all queued reviews, statuses, and results",
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetString("confirm")
			if confirm == "" {
				return fmt.Errorf("--confirm is required (clear-<queue-name>)")
			}
			b, _ := json.Marshal(map[string]string{"confirm": confirm})
			resp, err := http.Post(apiURL()+"/v1/admin/clear", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			fmt.Println("status:", resp.Status)
			return nil
		},
	}
	clearCmd.Flags().String("confirm", "", "Confirmation token: clear-<queue-name>")
	rootCmd.AddCommand(clearCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func postEnqueue(rv review.Review) error {
	b, err := json.Marshal(rv)
	if err != nil {
		return err
	}
	resp, err := http.Post(apiURL()+"/v1/reviews/enqueue", "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server rejected review: %s %s", resp.Status, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func printJSONResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func apiURL() string {
	if v := os.Getenv("REVQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
