package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/langliu/video-downloader/api/handlers"
	"github.com/langliu/video-downloader/internal/domain"
)

var (
	serverURL   string
	configPath  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:   "vdl",
		Short: "vdl - batch video downloader",
		Long: `A command-line interface for the video downloader.

Jobs are submitted to the server's queue; "vdl download" runs a batch
locally and saves the files to disk.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (used by download and when auto-starting the server)")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(videosCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(configCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// apiRequest sends payload as JSON and decodes a 2xx response into out
func apiRequest(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr map[string]interface{}
		if json.Unmarshal(data, &apiErr) == nil && apiErr["error"] != nil {
			return fmt.Errorf("%s (HTTP %d)", cast.ToString(apiErr["error"]), resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// readLinks collects links from args, or from stdin when the only arg is "-"
func readLinks(args []string) ([]string, error) {
	if len(args) == 1 && args[0] == "-" {
		var lines []string
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return domain.NormalizeURLList(lines), nil
	}
	return domain.NormalizeURLList(args), nil
}

var submitCmd = &cobra.Command{
	Use:   "submit [url...]",
	Short: "Submit URLs to the download queue (use - to read stdin)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		links, err := readLinks(args)
		if err != nil {
			return err
		}

		var result handlers.SubmitJobsResponse
		if err := apiRequest(http.MethodPost, "/api/v1/jobs", handlers.SubmitJobsRequest{URLs: links}, &result); err != nil {
			return err
		}

		fmt.Printf("Queued %d job(s)\n", result.Accepted)
		printJobs(result.Jobs)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}

		var jobs []*domain.QueueJob
		if err := apiRequest(http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &jobs); err != nil {
			return err
		}
		printJobs(jobs)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job [id]",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var job domain.QueueJob
		if err := apiRequest(http.MethodGet, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
			return err
		}

		fmt.Printf("Job Details:\n")
		fmt.Printf("  ID:       %s\n", job.ID)
		fmt.Printf("  URL:      %s\n", job.SourceURL)
		fmt.Printf("  Status:   %s\n", job.Status)
		fmt.Printf("  Attempts: %d/%d\n", job.AttemptCount, job.MaxAttempts)
		fmt.Printf("  Created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		if job.Outcome != "" {
			fmt.Printf("  Outcome:  %s\n", job.Outcome)
		}
		if job.LastError != "" {
			fmt.Printf("  Error:    %s\n", job.LastError)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var stats domain.JobStats
		if err := apiRequest(http.MethodGet, "/api/v1/jobs/stats", nil, &stats); err != nil {
			return err
		}

		fmt.Println("Queue Statistics:")
		fmt.Printf("  Total:      %d\n", stats.Total)
		fmt.Printf("  Pending:    %d\n", stats.Pending)
		fmt.Printf("  Processing: %d\n", stats.Processing)
		fmt.Printf("  Completed:  %d\n", stats.Completed)
		fmt.Printf("  Failed:     %d\n", stats.Failed)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Retry a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		if err := apiRequest(http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Println("Job queued for retry")
		return nil
	},
}

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List stored videos with temporary access links",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		var result domain.MediaPage
		path := fmt.Sprintf("/api/v1/videos?page=%d&pageSize=%d", page, pageSize)
		if err := apiRequest(http.MethodGet, path, nil, &result); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tSIZE\tCREATED\tLINK")
		for _, item := range result.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				truncate(item.Title, 30),
				formatBytes(item.Size),
				item.CreatedAt.Format("2006-01-02 15:04"),
				item.AccessURL)
		}
		w.Flush()
		fmt.Printf("Page %d, %d of %d video(s)\n", result.Page, len(result.Items), result.Total)
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringP("status", "s", "", "Filter by status (pending, processing, completed, failed)")
	jobsCmd.Flags().IntP("limit", "n", 0, "Maximum number of jobs to list")
	videosCmd.Flags().IntP("page", "p", 1, "Page number")
	videosCmd.Flags().Int("page-size", 20, "Videos per page")
}

func printJobs(jobs []*domain.QueueJob) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tSTATUS\tATTEMPTS\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			truncate(job.ID, 8),
			truncate(job.SourceURL, 40),
			job.Status,
			job.AttemptCount,
			job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
