// internal/discord/types.go
package discord

import "time"

// discordEpoch is the first second of 2015, the origin of snowflake timestamps.
const discordEpoch = 1420070400000

// Guild is a Discord server the bot is a member of.
type Guild struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Icon                 string `json:"icon,omitempty"`
	ApproximateMemberCnt int    `json:"approximate_member_count,omitempty"`
}

// CreatedAt derives the guild creation time from its snowflake id.
func (g Guild) CreatedAt() time.Time {
	return SnowflakeTime(g.ID)
}

// Role is a guild role.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is a Discord user.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

// DisplayName returns the user's display name, falling back to the username.
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Member is a user's membership in a specific guild.
type Member struct {
	User  *User    `json:"user,omitempty"`
	Nick  string   `json:"nick,omitempty"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the member currently holds the given role.
func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// Channel is a text or DM channel.
type Channel struct {
	ID string `json:"id"`
}

// Message is a channel message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// EmbedField is a single field of a rich embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedThumbnail is the embed thumbnail image.
type EmbedThumbnail struct {
	URL string `json:"url"`
}

// Embed is a rich message embed.
type Embed struct {
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Color       int             `json:"color,omitempty"`
	Fields      []EmbedField    `json:"fields,omitempty"`
	Thumbnail   *EmbedThumbnail `json:"thumbnail,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

// ApplicationCommandOption is a slash command parameter.
type ApplicationCommandOption struct {
	Type        int    `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ApplicationCommand is a slash command definition for bulk registration.
type ApplicationCommand struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Options     []ApplicationCommandOption `json:"options,omitempty"`
}

// SnowflakeTime converts a snowflake id string to its embedded timestamp.
// Invalid ids yield the zero time.
func SnowflakeTime(id string) time.Time {
	var n uint64
	for _, c := range id {
		if c < '0' || c > '9' {
			return time.Time{}
		}
		n = n*10 + uint64(c-'0')
	}
	if n == 0 {
		return time.Time{}
	}
	ms := int64(n>>22) + discordEpoch
	return time.UnixMilli(ms).UTC()
}
