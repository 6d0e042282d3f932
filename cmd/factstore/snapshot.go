package main

import (
	"fmt"

	"github.com/hyperengineering/factstore/internal/snapshot"
	"github.com/spf13/cobra"
)

var snapshotUpload bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a point-in-time copy of the database",
	Long:  "Writes snapshots/current.db next to the database file and, with --upload, pushes it to the configured S3 bucket.",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotUpload, "upload", false,
		"Upload the snapshot to the configured bucket")
}

type snapshotResult struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Uploaded  bool   `json:"uploaded"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.store.GenerateSnapshot(ctx); err != nil {
		return fmt.Errorf("generate snapshot: %w", err)
	}
	info, err := rt.store.Snapshot()
	if err != nil {
		return err
	}

	result := snapshotResult{Path: info.Path, SizeBytes: info.SizeBytes}
	if snapshotUpload {
		if rt.cfg.SnapshotStorage.Bucket == "" {
			return snapshot.ErrNotConfigured
		}
		uploader, err := snapshot.NewUploader(rt.cfg.SnapshotStorage)
		if err != nil {
			return err
		}
		if err := uploader.Upload(ctx, info.Path); err != nil {
			return err
		}
		result.Uploaded = true
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, result)
	}
	fmt.Fprintf(out, "Wrote snapshot %s (%d bytes)\n", result.Path, result.SizeBytes)
	if result.Uploaded {
		fmt.Fprintf(out, "Uploaded to bucket %s\n", rt.cfg.SnapshotStorage.Bucket)
	}
	return nil
}
