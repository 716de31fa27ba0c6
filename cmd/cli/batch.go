package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/api/handlers"
	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
	"github.com/langliu/video-downloader/internal/infrastructure"
	"github.com/langliu/video-downloader/pkg/logger"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [url...]",
	Short: "Resolve share links to media metadata (use - to read stdin)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		links, err := readLinks(args)
		if err != nil {
			return err
		}

		var result app.ResolveResult
		if err := apiRequest(http.MethodPost, "/api/v1/videos/resolve", handlers.ResolveRequest{Links: links}, &result); err != nil {
			return err
		}

		printResolveResult(&result)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [url...]",
	Short: "Resolve links and download the videos to a local folder",
	Long: `Resolve every link and download the resulting videos, a few at a time.

Files go to --output (or download.output_dir) and fall back to
download.fallback_dir when that folder cannot be written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		verbose, _ := cmd.Flags().GetBool("verbose")

		config, err := app.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if output != "" {
			config.Download.OutputDir = output
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		log, err := logger.New(logger.Config{Level: level, Format: "console", OutputPath: "stderr"})
		if err != nil {
			return err
		}
		defer log.Sync()

		links, err := readLinks(args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runLocalBatch(ctx, config, links, log)
	},
}

func init() {
	downloadCmd.Flags().StringP("output", "o", "", "Folder to save videos into")
	downloadCmd.Flags().BoolP("verbose", "v", false, "Verbose logging")
}

// runLocalBatch resolves links and downloads every success in-process
func runLocalBatch(ctx context.Context, config *domain.Config, links []string, log *zap.Logger) error {
	resolver := infrastructure.NewParserClient(&config.Resolver, log)
	resolveSvc := app.NewResolveService(resolver, config.Download.ResolveLimit, log)

	fmt.Printf("Resolving %d link(s)...\n", len(links))
	result, err := resolveSvc.ResolveBatch(ctx, links)
	if err != nil {
		return err
	}
	printResolveResult(result)
	if result.SuccessCount == 0 {
		return fmt.Errorf("nothing to download")
	}

	fs := afero.NewOsFs()
	fetcher := infrastructure.NewHTTPFetcher(fs,
		filepath.Join(os.TempDir(), "video-downloader"),
		config.Download.UserAgent,
		log)

	var preferred domain.MediaSaver
	if config.Download.OutputDir != "" {
		preferred = infrastructure.NewFolderSaver(fs, config.Download.OutputDir)
	}
	orch := app.NewBatchOrchestrator(fetcher, preferred,
		infrastructure.NewDefaultSaver(fs, config.Download.FallbackDir),
		app.BatchOrchestratorConfig{
			Concurrency:  config.Download.Concurrency,
			GroupDelay:   config.Download.GroupDelay,
			FetchTimeout: config.Download.FetchTimeout,
		}, log)
	if config.Notification.Enabled {
		orch.SetNotifier(infrastructure.NewNotificationService(&config.Notification, log))
	}

	session := orch.NewSession(result.BatchItems())
	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printProgress(updates)
	}()

	final := session.Run(ctx)
	<-printed

	counts := final.Counts()
	fmt.Printf("\nDone: %d completed, %d failed\n",
		counts[domain.TaskStatusCompleted], counts[domain.TaskStatusFailed])
	if counts[domain.TaskStatusFailed] > 0 {
		return fmt.Errorf("%d download(s) failed", counts[domain.TaskStatusFailed])
	}
	return nil
}

// printProgress prints a line whenever a task changes status or crosses a
// quarter of its download
func printProgress(updates <-chan domain.Snapshot) {
	type seen struct {
		status  domain.TaskStatus
		quarter int
	}
	last := make(map[string]seen)

	for snapshot := range updates {
		for _, task := range snapshot.Tasks {
			current := seen{status: task.Status, quarter: task.Progress / 25}
			if prev, ok := last[task.ID]; ok && prev == current {
				continue
			}
			last[task.ID] = current

			name := truncate(task.DisplayName, 40)
			switch task.Status {
			case domain.TaskStatusDownloading:
				fmt.Printf("  [%3d%%] %s\n", task.Progress, name)
			case domain.TaskStatusCompleted:
				fmt.Printf("  [ ok ] %s -> %s\n", name, task.SavedPath)
			case domain.TaskStatusFailed:
				reason := task.Error
				if task.ErrorCategory != "" {
					reason = task.ErrorCategory
				}
				fmt.Printf("  [fail] %s: %s\n", name, reason)
			}
		}
	}
}

func printResolveResult(result *app.ResolveResult) {
	fmt.Printf("Resolved %d of %d link(s)\n", result.SuccessCount, result.TotalCount)
	for _, item := range result.Items {
		fmt.Printf("  %s\n    %s\n", item.Metadata.Title, item.Link)
	}
	for _, failure := range result.Failures {
		fmt.Printf("  failed: %s (%s)\n", failure.Link, failure.Error)
	}
}
