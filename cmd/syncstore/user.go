package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncstore/internal/config"
	"github.com/hyperengineering/syncstore/pkg/syncstore"
)

var userJSONOutput bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage syncstore UserDatabases",
	Long:  "Initialize, inspect, and clear per-user UserDatabases without running the server.",
}

func init() {
	userCmd.PersistentFlags().BoolVar(&userJSONOutput, "json", false, "Output in JSON format")

	userCmd.AddCommand(userInitCmd)
	userCmd.AddCommand(userStatusCmd)
	userCmd.AddCommand(userClearCmd)
	userCmd.AddCommand(userCompactCmd)
}

func openHandle() (*syncstore.Handle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return syncstore.Open(syncstore.Config{
		BlobStoreDir:      cfg.BlobStore.Dir,
		ScratchDir:        cfg.Database.ScratchDir,
		BlobStoreTimeout:  time.Duration(cfg.BlobStore.OperationTimeout),
		AutomatedTestMode: true, // CLI invocations never run the background scheduler
		ForcedReset:       cfg.Host.ForcedReset,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var userInitCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Initialize a UserDatabase",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserInit,
}

func runUserInit(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	h, err := openHandle()
	if err != nil {
		return err
	}
	defer h.Shutdown(ctx)

	ud, err := h.Initialize(ctx, userID)
	if err != nil {
		return err
	}

	if userJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"user_id": ud.UserID,
			"tables":  h.TableSyncOrder(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized UserDatabase for %q (%d syncable tables)\n",
		ud.UserID, len(h.TableSyncOrder()))
	return nil
}

var userStatusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show lifecycle debug state for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserStatus,
}

func runUserStatus(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	h, err := openHandle()
	if err != nil {
		return err
	}
	defer h.Shutdown(ctx)

	if _, err := h.Initialize(ctx, userID); err != nil {
		return err
	}
	state := h.DebugState()

	if userJSONOutput {
		return printJSON(cmd.OutOrStdout(), state)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ready=%v isClearing=%v isInitializing=%v hasEngine=%v currentUser=%s\n",
		state.Ready, state.IsClearing, state.IsInitializing, state.HasEngine, state.CurrentUser)
	return nil
}

var userClearCmd = &cobra.Command{
	Use:   "clear <user-id>",
	Short: "Destroy a user's stored UserDatabase, version, and watermark",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserClear,
}

func runUserClear(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	h, err := openHandle()
	if err != nil {
		return err
	}
	defer h.Shutdown(ctx)

	if _, err := h.Initialize(ctx, userID); err != nil {
		return err
	}
	if err := h.Clear(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cleared UserDatabase for %q\n", userID)
	return nil
}

var userCompactCmd = &cobra.Command{
	Use:   "compact <user-id>",
	Short: "Export and delete already-synced push-queue rows past the retention window",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCompact,
}

func runUserCompact(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := openHandle()
	if err != nil {
		return err
	}
	defer h.Shutdown(ctx)

	if _, err := h.Initialize(ctx, userID); err != nil {
		return err
	}
	db := h.GetRawEngine()

	cutoff := time.Now().Add(-time.Duration(cfg.Worker.CompactionRetention))
	exported, deleted, err := h.CompactPushQueue(ctx, db, cutoff, cfg.Worker.CompactionAuditDir)
	if err != nil {
		return err
	}

	if userJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"exported": exported,
			"deleted":  deleted,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Compacted push queue for %q: exported %d, deleted %d\n",
		userID, exported, deleted)
	return nil
}
