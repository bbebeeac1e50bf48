// Package cli implements the graphdrive command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/app"
	"github.com/jun/graphdrive/internal/config"
	"github.com/jun/graphdrive/internal/logging"
)

// StorageFactory opens the drive a command operates on.
type StorageFactory func(ctx context.Context, cfg *config.Config, userID string, log logrus.FieldLogger) (adapter.StorageAdapter, error)

type options struct {
	cfgFile string
	userID  string
	verbose bool

	newStorage StorageFactory
	log        *logrus.Logger
	storage    adapter.StorageAdapter
}

func defaultStorage(ctx context.Context, cfg *config.Config, userID string, log logrus.FieldLogger) (adapter.StorageAdapter, error) {
	if !cfg.SiteMode() && userID == "" && !cfg.DevMode {
		return nil, fmt.Errorf("--user is required in personal mode")
	}
	provider, err := app.NewStorageProvider(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return provider.GetAdapter(ctx, userID)
}

// NewRootCommand returns the graphdrive command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultStorage)
}

func newRootCommand(newStorage StorageFactory) *cobra.Command {
	o := &options{newStorage: newStorage}

	rootCmd := &cobra.Command{
		Use:   "graphdrive",
		Short: "Work with OneDrive and SharePoint drives through Microsoft Graph",
		Long: `graphdrive reads, writes and lists files in a OneDrive or SharePoint
document library, and uploads large files through resumable upload sessions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(o.cfgFile)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if o.verbose {
				level = "debug"
			}
			o.log, err = logging.New(level, cfg.Log.Format)
			if err != nil {
				return err
			}
			o.storage, err = o.newStorage(cmd.Context(), cfg, o.userID, o.log)
			if err != nil {
				return fmt.Errorf("failed to open drive: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&o.userID, "user", "", "user whose drive to open (personal mode)")
	rootCmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newUploadCommand(o),
		newListCommand(o),
		newCatCommand(o),
		newRemoveCommand(o),
		newURLCommand(o),
		newExistsCommand(o),
	)
	return rootCmd
}

// Execute runs the command line and exits on error.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
