// internal/discord/client.go
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors mapped from Discord API responses.
var (
	ErrMemberNotFound = errors.New("member not found")
	ErrUnknownRole    = errors.New("unknown role")
	ErrNotFound       = errors.New("resource not found")
)

// Client is a REST client for the Discord HTTP API. It covers the guild,
// member, role, DM and interaction-response surfaces the bot needs; gateway
// event delivery is out of scope.
type Client struct {
	token         string
	applicationID string
	baseURL       string
	httpClient    *http.Client
}

func NewClient(token, applicationID, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	return &Client{
		token:         token,
		applicationID: applicationID,
		baseURL:       baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the JSON error body returned by the Discord API.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeUnknownMember = 10007
	codeUnknownRole   = 10011
)

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && resp.StatusCode == http.StatusNotFound {
			switch apiErr.Code {
			case codeUnknownMember:
				return ErrMemberNotFound
			case codeUnknownRole:
				return ErrUnknownRole
			}
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		return fmt.Errorf("discord api %s %s failed (status %d): %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// BotGuilds lists the guilds the bot account is a member of.
func (c *Client) BotGuilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := c.do(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// Guild fetches a single guild with approximate member counts.
func (c *Client) Guild(ctx context.Context, guildID string) (*Guild, error) {
	var guild Guild
	path := fmt.Sprintf("/guilds/%s?with_counts=true", url.PathEscape(guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &guild); err != nil {
		return nil, err
	}
	return &guild, nil
}

// GuildRoles lists the roles defined on a guild.
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	path := fmt.Sprintf("/guilds/%s/roles", url.PathEscape(guildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// RoleExists reports whether a role id is still defined on the guild.
func (c *Client) RoleExists(ctx context.Context, guildID, roleID string) (bool, error) {
	roles, err := c.GuildRoles(ctx, guildID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.ID == roleID {
			return true, nil
		}
	}
	return false, nil
}

// GuildMember fetches a member of a guild. Returns ErrMemberNotFound when the
// user is not in the guild.
func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var member Member
	path := fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(guildID), url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// AddMemberRole grants a role to a guild member. Adding an already-held role
// is a no-op on the Discord side.
func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s",
		url.PathEscape(guildID), url.PathEscape(userID), url.PathEscape(roleID))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// RemoveMemberRole revokes a role from a guild member.
func (c *Client) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s",
		url.PathEscape(guildID), url.PathEscape(userID), url.PathEscape(roleID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CreateDM opens (or reuses) a direct message channel with a user.
func (c *Client) CreateDM(ctx context.Context, userID string) (*Channel, error) {
	var channel Channel
	payload := map[string]string{"recipient_id": userID}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", payload, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

// SendMessage posts a plain text message to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	payload := map[string]interface{}{"content": content}
	if err := c.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendEmbeds posts rich embeds to a channel.
func (c *Client) SendEmbeds(ctx context.Context, channelID string, embeds []Embed) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	payload := map[string]interface{}{"embeds": embeds}
	if err := c.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message from a channel.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// EditOriginalResponse replaces the deferred response of an interaction.
func (c *Client) EditOriginalResponse(ctx context.Context, interactionToken string, payload interface{}) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/@original",
		url.PathEscape(c.applicationID), url.PathEscape(interactionToken))
	return c.do(ctx, http.MethodPatch, path, payload, nil)
}

// DeleteOriginalResponse removes the deferred response of an interaction.
func (c *Client) DeleteOriginalResponse(ctx context.Context, interactionToken string) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/@original",
		url.PathEscape(c.applicationID), url.PathEscape(interactionToken))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// RegisterGuildCommands bulk-overwrites slash commands for a single guild.
// Guild commands propagate immediately, which suits development.
func (c *Client) RegisterGuildCommands(ctx context.Context, guildID string, commands []ApplicationCommand) error {
	path := fmt.Sprintf("/applications/%s/guilds/%s/commands",
		url.PathEscape(c.applicationID), url.PathEscape(guildID))
	return c.do(ctx, http.MethodPut, path, commands, nil)
}

// RegisterGlobalCommands bulk-overwrites global slash commands. Global
// registration can take up to an hour to propagate.
func (c *Client) RegisterGlobalCommands(ctx context.Context, commands []ApplicationCommand) error {
	path := fmt.Sprintf("/applications/%s/commands", url.PathEscape(c.applicationID))
	return c.do(ctx, http.MethodPut, path, commands, nil)
}
