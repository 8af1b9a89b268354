package models

import "time"

// ConnectionInfo tracks one live (user, platform) connection.
type ConnectionInfo struct {
	UserID       string    `json:"user_id"`
	Platform     Platform  `json:"platform"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Healthy      bool      `json:"is_healthy"`
}

// ConnectionKey returns the "userId:platform" key used to index connections.
func ConnectionKey(userID string, platform Platform) string {
	return userID + ":" + string(platform)
}

// ChannelConfig is a user's configuration for one platform.
// It is persisted in the messaging_channels collection.
type ChannelConfig struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user"`
	Platform  Platform `json:"platform"`
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allow_from,omitempty"`

	// BotToken is stored encrypted; it is decrypted only when a channel starts.
	BotToken string `json:"bot_token,omitempty"`

	// Linked identities, written back once the remote side confirms a link.
	ChatID           string `json:"chat_id,omitempty"`
	DiscordUserID    string `json:"discord_user_id,omitempty"`
	DiscordChannelID string `json:"discord_channel_id,omitempty"`
	PhoneNumber      string `json:"phone_number,omitempty"`

	// QRCode holds the latest WhatsApp pairing code as a PNG data URL.
	QRCode string `json:"qr_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkedIdentity returns the remote identity learned for this config, if any.
func (c *ChannelConfig) LinkedIdentity() string {
	if c == nil {
		return ""
	}
	switch c.Platform {
	case PlatformTelegram:
		return c.ChatID
	case PlatformDiscord:
		if c.DiscordChannelID != "" {
			return c.DiscordChannelID
		}
		return c.DiscordUserID
	case PlatformWhatsApp:
		return c.PhoneNumber
	default:
		return ""
	}
}

// Tier is a subscription tier. Tiers are ordered from free to legend.
type Tier string

const (
	TierFree   Tier = "free"
	TierLover  Tier = "lover"
	TierHero   Tier = "hero"
	TierLegend Tier = "legend"
)

var tierRank = map[Tier]int{
	TierFree:   0,
	TierLover:  1,
	TierHero:   2,
	TierLegend: 3,
}

// AtLeast reports whether t ranks at or above other.
// Unknown tiers rank as free.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// ParseTier normalizes a tier string, defaulting to free.
func ParseTier(s string) Tier {
	t := Tier(s)
	if _, ok := tierRank[t]; ok {
		return t
	}
	return TierFree
}
