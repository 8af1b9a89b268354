package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/lovelines/internal/channels/whatsapp"
)

// =============================================================================
// Session Command Handlers
// =============================================================================

// sessionDir returns dir, or the default per-user session directory.
func sessionDir(a *app, userID, dir string) string {
	if strings.TrimSpace(dir) != "" {
		return dir
	}
	wa := whatsapp.Config{UserID: userID, SessionsDir: a.cfg.Sessions.Dir}
	return wa.SessionDir()
}

func runSessionsArchive(cmd *cobra.Command, userID, dir, phone string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		dir = sessionDir(a, userID, dir)
		if err := a.backup.Save(ctx, userID, dir, phone); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived %s for %s.\n", dir, userID)
		return nil
	})
}

func runSessionsRestore(cmd *cobra.Command, userID, dir string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		dir = sessionDir(a, userID, dir)
		ok, err := a.backup.Restore(ctx, userID, dir)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no stored session for %s", userID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored session of %s into %s.\n", userID, dir)
		return nil
	})
}

func runSessionsCleanup(cmd *cobra.Command, days int) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if days <= 0 {
			days = a.cfg.Sessions.CleanupDays
		}
		removed, err := a.sessions.CleanupOldSessions(ctx, days)
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d session(s) inactive for %d days.\n", removed, days)
		return err
	})
}

func runSessionsStats(cmd *cobra.Command) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		st := a.sessions.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Backend:         %s\n", a.cfg.Sessions.Backend)
		fmt.Fprintf(out, "Cache directory: %s\n", a.cfg.Sessions.CacheDir)
		fmt.Fprintf(out, "Cached sessions: %d\n", st.CachedSessions)
		fmt.Fprintf(out, "Cache size:      %d bytes\n", st.CacheBytes)
		return nil
	})
}
