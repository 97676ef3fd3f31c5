package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fundscope/fundscope/internal/config"
	"github.com/fundscope/fundscope/internal/mirror"
	"github.com/fundscope/fundscope/internal/storage"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy the dataset store to object storage and back",
	Long: `Mirror the local dataset store to the configured storage (mirror.type
local or s3). Only files whose checksum changed are transferred.

Subcommands:
  push  Upload changed local files
  pull  Download changed remote files`,
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload changed local files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror((*mirror.Mirror).Push)
	},
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download changed remote files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror((*mirror.Mirror).Pull)
	},
}

func init() {
	mirrorCmd.AddCommand(mirrorPushCmd)
	mirrorCmd.AddCommand(mirrorPullCmd)
}

func runMirror(op func(*mirror.Mirror, context.Context) (*mirror.Report, error)) error {
	ctx, stop := signalContext()
	defer stop()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	store, err := newStorage(ctx, cfg.Mirror)
	if err != nil {
		return err
	}
	m := mirror.New(store, cfg.DataDir, mirror.Options{
		Prefix:      cfg.Mirror.Prefix,
		Concurrency: cfg.Download.Concurrency,
		Logger:      logger,
		Metrics:     metrics,
	})

	report, err := op(m, ctx)
	if err != nil {
		return err
	}
	for _, name := range report.Transferred {
		fmt.Println(name)
	}
	fmt.Printf("%d transferred, %d unchanged, %d failed\n", len(report.Transferred), report.Skipped, len(report.Failed))

	if len(report.Failed) > 0 {
		names := make([]string, 0, len(report.Failed))
		for name := range report.Failed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %v\n", name, report.Failed[name])
		}
		return fmt.Errorf("%d files failed to transfer", len(report.Failed))
	}
	return nil
}

// newStorage creates the mirror backend.
func newStorage(ctx context.Context, mc config.MirrorConfig) (storage.ObjectStorage, error) {
	switch mc.Type {
	case "s3":
		return storage.NewS3Storage(ctx, mc.S3.Bucket, storage.S3Config{
			Region:       mc.S3.Region,
			Endpoint:     mc.S3.Endpoint,
			UsePathStyle: mc.S3.UsePathStyle,
		})
	case "local", "":
		return storage.NewLocalStorage(mc.Path)
	default:
		return nil, fmt.Errorf("unsupported mirror type: %s", mc.Type)
	}
}
