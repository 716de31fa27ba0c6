package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/langliu/video-downloader/internal/app"
	"github.com/langliu/video-downloader/internal/domain"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(os.Getenv("HOME"), ".video-downloader", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := app.LoadConfig(configPath)
		if err != nil {
			return err
		}

		fmt.Println("Effective Configuration:")
		fmt.Printf("  Server:       %s:%d\n", config.Server.Host, config.Server.Port)
		fmt.Printf("  Database:     %s\n", config.Database.Driver)
		fmt.Printf("  Queue:        %s (%d workers, %d attempts)\n", config.Queue.Backend, config.Queue.Workers, config.Queue.MaxAttempts)
		fmt.Printf("  Storage:      %s\n", config.Storage.Backend)
		fmt.Printf("  Resolver:     %s\n", config.Resolver.Endpoint)
		fmt.Printf("  Concurrency:  %d\n", config.Download.Concurrency)
		fmt.Printf("  Output dir:   %s\n", config.Download.OutputDir)
		fmt.Printf("  Fallback dir: %s\n", config.Download.FallbackDir)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
