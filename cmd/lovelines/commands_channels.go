package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Channel Commands
// =============================================================================

// channelTarget is the --user/--platform pair most channel commands take.
type channelTarget struct {
	userID   string
	platform string
}

func (t *channelTarget) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.userID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVarP(&t.platform, "platform", "p", "", "Platform: telegram, whatsapp or discord (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
}

// buildChannelsCmd creates the "channels" command group.
func buildChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage per-user messaging channels",
		Long: `Manage the messaging channels stored for each user.

Tokens are encrypted with the configured encryption key before they are
stored. start and stop update the stored config and, when a server address is
known, ask the running server to apply the change.`,
	}
	cmd.AddCommand(
		buildChannelsListCmd(),
		buildChannelsAddCmd(),
		buildChannelsStartCmd(),
		buildChannelsStopCmd(),
		buildChannelsLinkCmd(),
		buildChannelsSendCmd(),
		buildChannelsStatusCmd(),
		buildChannelsDisconnectCmd(),
		buildChannelsHistoryCmd(),
	)
	return cmd
}

func buildChannelsListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored channel configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsList(cmd, userID)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Only show this user")
	return cmd
}

func buildChannelsAddCmd() *cobra.Command {
	var (
		target     channelTarget
		token      string
		tokenStdin bool
		allowFrom  []string
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a channel config for a user",
		Example: `  # Telegram and Discord need a bot token
  lovelines channels add --user u1 --platform telegram --token-stdin

  # WhatsApp is paired with a QR code instead
  lovelines channels add --user u1 --platform whatsapp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsAdd(cmd, target, token, tokenStdin, allowFrom, !disabled)
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&token, "token", "", "Bot token (prefer --token-stdin)")
	cmd.Flags().BoolVar(&tokenStdin, "token-stdin", false, "Read the bot token from stdin")
	cmd.Flags().StringSliceVar(&allowFrom, "allow-from", nil, "Remote IDs allowed to message the bot")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Store the config disabled")
	return cmd
}

func buildChannelsStartCmd() *cobra.Command {
	var (
		target channelTarget
		addr   string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Enable a channel and start it on the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsToggle(cmd, target, addr, true)
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: metrics.addr from config)")
	return cmd
}

func buildChannelsStopCmd() *cobra.Command {
	var (
		target channelTarget
		addr   string
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Disable a channel and stop it on the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsToggle(cmd, target, addr, false)
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: metrics.addr from config)")
	return cmd
}

func buildChannelsLinkCmd() *cobra.Command {
	var (
		target  channelTarget
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Start a channel in the foreground and wait for it to link",
		Long: `Start a channel in this process and wait until the remote side links it.

WhatsApp prints pairing QR codes to the terminal. Telegram and Discord wait
for the user to send the start command to the bot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsLink(cmd, target, timeout)
		},
	}
	target.bind(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the link")
	return cmd
}

func buildChannelsSendCmd() *cobra.Command {
	var (
		target channelTarget
		text   string
		chatID string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message through a user's channel",
		Example: `  lovelines channels send --user u1 --platform telegram --text "hello"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsSend(cmd, target, text, chatID)
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVarP(&text, "text", "t", "", "Message text (required)")
	cmd.Flags().StringVar(&chatID, "chat", "", "Override the linked recipient")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func buildChannelsStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show channel status from the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, false)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: metrics.addr from config)")
	return cmd
}

func buildChannelsDisconnectCmd() *cobra.Command {
	var target channelTarget
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Delete a channel config and any stored WhatsApp session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsDisconnect(cmd, target)
		},
	}
	target.bind(cmd)
	return cmd
}

func buildChannelsHistoryCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsHistory(cmd, userID, limit)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Only show this user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries")
	return cmd
}
