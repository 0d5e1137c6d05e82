// internal/discord/interactions.go
package discord

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Interaction types delivered to the webhook endpoint.
const (
	InteractionTypePing               = 1
	InteractionTypeApplicationCommand = 2
)

// Interaction response types.
const (
	ResponseTypePong                   = 1
	ResponseTypeChannelMessage         = 4
	ResponseTypeDeferredChannelMessage = 5
)

// MessageFlagEphemeral marks a response visible only to the invoking user.
const MessageFlagEphemeral = 1 << 6

// InteractionOption is a resolved slash command argument.
type InteractionOption struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// StringValue decodes the option value as a string.
func (o InteractionOption) StringValue() string {
	var s string
	if err := json.Unmarshal(o.Value, &s); err != nil {
		return ""
	}
	return s
}

// InteractionData carries the invoked command and its arguments.
type InteractionData struct {
	Name    string              `json:"name"`
	Options []InteractionOption `json:"options,omitempty"`
}

// Interaction is the inbound payload of the interactions webhook.
type Interaction struct {
	ID        string           `json:"id"`
	Type      int              `json:"type"`
	Token     string           `json:"token"`
	GuildID   string           `json:"guild_id,omitempty"`
	ChannelID string           `json:"channel_id,omitempty"`
	Member    *Member          `json:"member,omitempty"`
	User      *User            `json:"user,omitempty"`
	Data      *InteractionData `json:"data,omitempty"`
}

// Sender returns the invoking user, whether the interaction arrived from a
// guild (member) or a DM (user).
func (i Interaction) Sender() *User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// Option returns the named argument, if present.
func (i Interaction) Option(name string) (InteractionOption, bool) {
	if i.Data == nil {
		return InteractionOption{}, false
	}
	for _, opt := range i.Data.Options {
		if opt.Name == name {
			return opt, true
		}
	}
	return InteractionOption{}, false
}

// ResponseData is the body of an interaction response.
type ResponseData struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
	Flags   int     `json:"flags,omitempty"`
}

// InteractionResponse is the immediate reply to an interaction.
type InteractionResponse struct {
	Type int           `json:"type"`
	Data *ResponseData `json:"data,omitempty"`
}

// WebhookEdit is the payload for editing a deferred response.
type WebhookEdit struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// InteractionVerifier checks the ed25519 signature Discord attaches to every
// webhook delivery. Requests that fail verification must be rejected with 401
// or Discord disables the endpoint.
type InteractionVerifier struct {
	publicKey ed25519.PublicKey
}

// NewInteractionVerifier parses the application public key from the hex form
// shown in the developer portal.
func NewInteractionVerifier(hexKey string) (*InteractionVerifier, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(key))
	}
	return &InteractionVerifier{publicKey: ed25519.PublicKey(key)}, nil
}

// Verify checks signature over timestamp || body.
func (v *InteractionVerifier) Verify(signatureHex, timestamp string, body []byte) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(v.publicKey, msg, sig)
}
