package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Session Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group for WhatsApp device
// sessions.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored WhatsApp sessions",
		Long: `Manage the WhatsApp device sessions kept in the session store.

archive packs a session directory into the store, restore unpacks it again,
and cleanup removes sessions nobody used for a number of days.`,
	}
	cmd.AddCommand(
		buildSessionsArchiveCmd(),
		buildSessionsRestoreCmd(),
		buildSessionsCleanupCmd(),
		buildSessionsStatsCmd(),
	)
	return cmd
}

func buildSessionsArchiveCmd() *cobra.Command {
	var (
		userID string
		dir    string
		phone  string
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a session directory into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsArchive(cmd, userID, dir, phone)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "Session directory (default: <sessions.dir>/<user>)")
	cmd.Flags().StringVar(&phone, "phone", "", "Linked phone number to record")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildSessionsRestoreCmd() *cobra.Command {
	var (
		userID string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a stored session into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsRestore(cmd, userID, dir)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "Target directory (default: <sessions.dir>/<user>)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildSessionsCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions inactive for a number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsCleanup(cmd, days)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Inactivity threshold (default: sessions.cleanup_days)")
	return cmd
}

func buildSessionsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsStats(cmd)
		},
	}
}
