package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/lovelines/internal/config"
	"github.com/haasonsaas/lovelines/internal/observability"
	"github.com/haasonsaas/lovelines/internal/secrets"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// =============================================================================
// Migration and Admin Handlers
// =============================================================================

func runMigrate(cmd *cobra.Command) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.stores.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Store %q is up to date.\n", a.cfg.Store.Driver)
		return nil
	})
}

func runAdminSetPassword(cmd *cobra.Command, email string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if email == "" {
			email = a.cfg.Store.AdminEmail
		}
		if strings.TrimSpace(email) == "" {
			return errors.New("no admin email: pass --email or set store.admin_email")
		}
		password, err := readSecret(cmd, "Admin password: ")
		if err != nil {
			return err
		}
		if len(password) < 8 {
			return errors.New("admin password must be at least 8 characters")
		}
		if err := a.stores.Admins.SetPassword(ctx, email, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Password set for %s.\n", email)
		return nil
	})
}

func runAdminSetTier(cmd *cobra.Command, userID, tier string) error {
	t := models.ParseTier(tier)
	if string(t) != strings.ToLower(strings.TrimSpace(tier)) {
		return fmt.Errorf("unknown tier %q", tier)
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.stores.Users.SetTier(ctx, userID, t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now on the %s tier.\n", userID, t)
		return nil
	})
}

// =============================================================================
// Crypto Handlers
// =============================================================================

func runCryptoCheck(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	if err := secrets.SelfTest(box); err != nil {
		return fmt.Errorf("encryption self-test: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Encryption key OK.")
	return nil
}

func runCryptoEncrypt(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	token, err := readSecret(cmd, "Token: ")
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("empty token")
	}
	sealed, err := box.Encrypt(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (version %d, store %s).\n", cfg.Version, cfg.Store.Driver)
	return nil
}

func runConfigShow(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	masked := maskSecrets(*cfg)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

const secretMask = "********"

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return secretMask
	}
	cfg.Store.DSN = observability.NewRedactingHandler(slog.DiscardHandler).RedactString(cfg.Store.DSN)
	cfg.Store.AdminPassword = mask(cfg.Store.AdminPassword)
	cfg.Encryption.Key = mask(cfg.Encryption.Key)
	cfg.Sessions.S3.AccessKeyID = mask(cfg.Sessions.S3.AccessKeyID)
	cfg.Sessions.S3.SecretAccessKey = mask(cfg.Sessions.S3.SecretAccessKey)
	return cfg
}
