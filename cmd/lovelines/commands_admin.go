package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Migration, Admin, Crypto and Config Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command.
func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing record store tables",
		Long: `Create the messaging_channels, messaging_notifications, whatsapp_sessions,
users and admins tables if they do not exist. It is a no-op for the memory
store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd)
		},
	}
}

// buildAdminCmd creates the "admin" command group.
func buildAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the admin principal and user tiers",
	}
	cmd.AddCommand(buildAdminSetPasswordCmd(), buildAdminSetTierCmd())
	return cmd
}

func buildAdminSetPasswordCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set the admin password (read from stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminSetPassword(cmd, email)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Admin email (default: store.admin_email)")
	return cmd
}

func buildAdminSetTierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "set-tier <user> <tier>",
		Short:   "Set the subscription tier of a user",
		Example: `  lovelines admin set-tier u1 hero`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminSetTier(cmd, args[0], args[1])
		},
	}
	return cmd
}

// buildCryptoCmd creates the "crypto" command group.
func buildCryptoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crypto",
		Short: "Check the encryption key and seal tokens",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Run the encryption round-trip self-test",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCryptoCheck(cmd)
			},
		},
		&cobra.Command{
			Use:   "encrypt",
			Short: "Encrypt a token read from stdin",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCryptoEncrypt(cmd)
			},
		},
	)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd)
			},
		},
	)
	return cmd
}
