package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/channels/whatsapp"
	"github.com/haasonsaas/lovelines/internal/messaging"
	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// =============================================================================
// Channel Command Helpers
// =============================================================================

// withApp loads the config, opens the stores and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if strings.EqualFold(cfg.Store.Driver, "memory") {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: store.driver is memory; changes are lost when this command exits")
	}
	return fn(ctx, a)
}

func (t channelTarget) parse() (string, models.Platform, error) {
	userID := strings.TrimSpace(t.userID)
	if userID == "" {
		return "", "", errors.New("--user is required")
	}
	platform, err := models.ParsePlatform(t.platform)
	if err != nil {
		return "", "", err
	}
	return userID, platform, nil
}

// readSecret reads one line from stdin. On a terminal it prompts and
// disables echo.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// controlAddr returns addr, or the configured status server address.
func controlAddr(a *app, addr string) string {
	if addr != "" {
		return addr
	}
	return a.cfg.Metrics.Addr
}

// =============================================================================
// Channel Command Handlers
// =============================================================================

func runChannelsList(cmd *cobra.Command, userID string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		list, err := a.stores.Channels.List(ctx, storage.Filter{UserID: strings.TrimSpace(userID)})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No channels configured.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tPLATFORM\tENABLED\tLINKED\tUPDATED")
		for _, cfg := range list {
			linked := cfg.LinkedIdentity()
			if linked == "" {
				linked = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
				cfg.UserID, cfg.Platform, cfg.Enabled, linked, cfg.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runChannelsAdd(cmd *cobra.Command, target channelTarget, token string, tokenStdin bool, allowFrom []string, enabled bool) error {
	userID, platform, err := target.parse()
	if err != nil {
		return err
	}
	if tokenStdin {
		if token, err = readSecret(cmd, "Bot token: "); err != nil {
			return err
		}
	}
	meta, _ := channels.MetaFor(platform)
	if meta.NeedToken && token == "" {
		return fmt.Errorf("%s needs a bot token: pass --token or --token-stdin", meta.Label)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		var sealed string
		if token != "" {
			box, err := a.encrypter()
			if err != nil {
				return err
			}
			if sealed, err = box.Encrypt(token); err != nil {
				return err
			}
		}

		existing, err := a.stores.ChannelFor(ctx, userID, platform)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			cfg := &models.ChannelConfig{
				UserID:    userID,
				Platform:  platform,
				Enabled:   enabled,
				AllowFrom: allowFrom,
				BotToken:  sealed,
			}
			if err := a.stores.Channels.Create(ctx, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s channel for %s (%s).\n", meta.Label, userID, cfg.ID)
		case err != nil:
			return err
		default:
			existing.Enabled = enabled
			if allowFrom != nil {
				existing.AllowFrom = allowFrom
			}
			if sealed != "" {
				existing.BotToken = sealed
			}
			if err := a.stores.Channels.Update(ctx, existing); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s channel for %s.\n", meta.Label, userID)
		}
		if meta.LinkHint != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "To link it, %s (or run `lovelines channels link`).\n", meta.LinkHint)
		}
		return nil
	})
}

func runChannelsToggle(cmd *cobra.Command, target channelTarget, addr string, enabled bool) error {
	userID, platform, err := target.parse()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		cfg, err := a.stores.ChannelFor(ctx, userID, platform)
		if err != nil {
			return fmt.Errorf("load %s config for %s: %w", platform, userID, err)
		}
		if cfg.Enabled != enabled {
			cfg.Enabled = enabled
			if err := a.stores.Channels.Update(ctx, cfg); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(out, "%s channel of %s %s.\n", platform, userID, state)

		addr = controlAddr(a, addr)
		if addr == "" {
			fmt.Fprintln(out, "No server address; a running server applies the change on its next cleanup or reload.")
			return nil
		}
		path := fmt.Sprintf("/users/%s/reload", userID)
		if !enabled {
			path = fmt.Sprintf("/users/%s/channels/%s/stop", userID, platform)
		}
		var running []channels.Status
		if _, err := newAPIClient(addr).postJSON(ctx, path, &running); err != nil {
			return err
		}
		for _, st := range running {
			fmt.Fprintf(out, "  %s: running=%t linked=%t\n", st.Platform, st.Running, st.Linked)
		}
		return nil
	})
}

func runChannelsLink(cmd *cobra.Command, target channelTarget, timeout time.Duration) error {
	userID, platform, err := target.parse()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		box, err := a.encrypter()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		render := qrRenderer(out)
		linked := make(chan channels.Event, 1)
		svc, err := a.service(serviceOptions{
			Encrypter: box,
			OnEvent: func(evt channels.Event) {
				switch evt.Kind {
				case channels.EventQRCode:
					fmt.Fprintln(out, "Scan this code in WhatsApp > Linked devices:")
					fmt.Fprintln(out, render(evt.QRCode))
				case channels.EventLinked:
					select {
					case linked <- evt:
					default:
					}
				}
			},
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		defer svc.Shutdown(context.Background())

		if err := svc.StartChannel(ctx, userID, platform, nil); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), messaging.UserMessage(err))
			return err
		}
		if ch := svc.GetChannel(userID, platform); ch != nil && ch.IsLinked() {
			fmt.Fprintf(out, "%s is already linked.\n", platform)
			return nil
		}
		if meta, ok := channels.MetaFor(platform); ok && platform != models.PlatformWhatsApp {
			fmt.Fprintf(out, "Waiting for the user to %s...\n", meta.LinkHint)
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case evt := <-linked:
			fmt.Fprintf(out, "Linked %s to %s.\n", platform, evt.RemoteID)
			return nil
		case <-timer.C:
			return fmt.Errorf("%s was not linked within %s", platform, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// qrRenderer draws QR codes as blocks on a terminal and prints the raw code
// otherwise.
func qrRenderer(out io.Writer) func(string) string {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func(code string) string { return code }
	}
	return func(code string) string {
		art, err := whatsapp.QRTerminal(code)
		if err != nil {
			return code
		}
		return art
	}
}

func runChannelsSend(cmd *cobra.Command, target channelTarget, text, chatID string) error {
	userID, platform, err := target.parse()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		box, err := a.encrypter()
		if err != nil {
			return err
		}
		svc, err := a.service(serviceOptions{Encrypter: box})
		if err != nil {
			return err
		}
		defer svc.Shutdown(context.Background())

		if err := svc.StartChannel(ctx, userID, platform, nil); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), messaging.UserMessage(err))
			return err
		}
		err = svc.SendMessage(ctx, userID, messaging.SendRequest{
			Platform: platform,
			Content:  text,
			ChatID:   chatID,
		})
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), messaging.UserMessage(err))
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent via %s.\n", platform)
		return nil
	})
}

func runChannelsDisconnect(cmd *cobra.Command, target channelTarget) error {
	userID, platform, err := target.parse()
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		svc, err := a.service(serviceOptions{})
		if err != nil {
			return err
		}
		if err := svc.DisconnectChannel(ctx, userID, platform); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %s for %s.\n", platform, userID)
		return nil
	})
}

func runChannelsHistory(cmd *cobra.Command, userID string, limit int) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		list, err := a.stores.Notifications.List(ctx, storage.Filter{UserID: strings.TrimSpace(userID)}, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No deliveries recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SENT\tUSER\tPLATFORM\tSTATUS\tERROR")
		for _, n := range list {
			errText := n.ErrorType
			if errText == "" {
				errText = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				n.SentAt.Format(time.RFC3339), n.UserID, n.Platform, n.Status, errText)
		}
		return tw.Flush()
	})
}
