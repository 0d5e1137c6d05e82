// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"

	stderrors "trinity-bot/internal/common/errors"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/common/metrics"
	"trinity-bot/internal/discord"
)

// Messenger is the slice of the Discord API used for direct messages.
type Messenger interface {
	CreateDM(ctx context.Context, userID string) (*discord.Channel, error)
	SendMessage(ctx context.Context, channelID, content string) (*discord.Message, error)
}

// EmailSender delivers plain-text email. Backed by SES in production.
type EmailSender interface {
	SendPlainEmail(ctx context.Context, from, to, subject, body string) error
}

// AlertPublisher delivers operator alerts. Backed by SNS in production.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, topicARN, subject, message string) error
}

// Notifier delivers expiry notices to members and stuck-grant alerts to
// operators. Direct message first, email fallback when the owner has a
// contact address. All delivery is best-effort.
type Notifier struct {
	messenger   Messenger
	email       EmailSender
	alerts      AlertPublisher
	fromAddress string
	topicARN    string
	logger      logger.Logger
}

func New(messenger Messenger, email EmailSender, alerts AlertPublisher,
	fromAddress, topicARN string, log logger.Logger) *Notifier {
	return &Notifier{
		messenger:   messenger,
		email:       email,
		alerts:      alerts,
		fromAddress: fromAddress,
		topicARN:    topicARN,
		logger:      log.WithFields(map[string]interface{}{"component": "notifier"}),
	}
}

// SendExpiryNotice tells a member their entitlement lapsed and the role was
// removed. DM is the primary channel; when it fails and a contact email is
// known, the notice goes out over email instead.
func (n *Notifier) SendExpiryNotice(ctx context.Context, discordUserID, contactEmail, displayName string) error {
	content := fmt.Sprintf(
		"Your **%s** entitlement has expired and the matching server role was removed. "+
			"Renew your entitlement and run `/verify` to restore it.", displayName)

	dmErr := n.sendDM(ctx, discordUserID, content)
	if dmErr == nil {
		metrics.NotificationsSent.WithLabelValues("dm", "success").Inc()
		return nil
	}
	metrics.NotificationsSent.WithLabelValues("dm", "failure").Inc()
	n.logger.Warn("expiry DM failed", map[string]interface{}{
		"discordUserId": discordUserID,
		"error":         dmErr.Error(),
	})

	if n.email == nil || contactEmail == "" {
		return stderrors.NewNotificationSendFailedError("dm", dmErr)
	}

	subject := fmt.Sprintf("Your %s entitlement has expired", displayName)
	body := fmt.Sprintf(
		"Your %s entitlement has expired and the matching Discord role was removed.\n\n"+
			"Renew your entitlement and run /verify on the server to restore it.", displayName)
	if err := n.email.SendPlainEmail(ctx, n.fromAddress, contactEmail, subject, body); err != nil {
		metrics.NotificationsSent.WithLabelValues("email", "failure").Inc()
		n.logger.Warn("expiry email fallback failed", map[string]interface{}{
			"email": contactEmail,
			"error": err.Error(),
		})
		return stderrors.NewNotificationSendFailedError("email", err)
	}

	metrics.NotificationsSent.WithLabelValues("email", "success").Inc()
	return nil
}

// AlertStuckGrant raises an operator alert for an expired grant that has no
// linked platform identity and therefore can never be reconciled on its own.
func (n *Notifier) AlertStuckGrant(ctx context.Context, grantID, ownerID, slug string) {
	if n.alerts == nil || n.topicARN == "" {
		return
	}
	subject := "Expired entitlement grant has no linked Discord identity"
	message := fmt.Sprintf(
		"Grant %s (owner %s, permission %s) expired and was deactivated, but no Discord "+
			"identity is linked. The member's role, if any, must be removed manually.",
		grantID, ownerID, slug)
	if err := n.alerts.PublishAlert(ctx, n.topicARN, subject, message); err != nil {
		metrics.NotificationsSent.WithLabelValues("sns", "failure").Inc()
		n.logger.Warn("stuck-grant alert failed", map[string]interface{}{
			"grantId": grantID,
			"error":   err.Error(),
		})
		return
	}
	metrics.NotificationsSent.WithLabelValues("sns", "success").Inc()
}

func (n *Notifier) sendDM(ctx context.Context, discordUserID, content string) error {
	if n.messenger == nil {
		return fmt.Errorf("no messenger configured")
	}
	channel, err := n.messenger.CreateDM(ctx, discordUserID)
	if err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}
	if _, err := n.messenger.SendMessage(ctx, channel.ID, content); err != nil {
		return fmt.Errorf("failed to send DM: %w", err)
	}
	return nil
}
