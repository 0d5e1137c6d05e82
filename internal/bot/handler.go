// internal/bot/handler.go
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	stderrors "trinity-bot/internal/common/errors"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/common/metrics"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/sync"
)

// verifyTimeout bounds the background synchronization triggered by /verify.
// Discord keeps a deferred interaction open for 15 minutes; we never get
// close to that.
const verifyTimeout = 2 * time.Minute

// Platform is the slice of the Discord API the interaction handler calls.
type Platform interface {
	Guild(ctx context.Context, guildID string) (*discord.Guild, error)
	CreateDM(ctx context.Context, userID string) (*discord.Channel, error)
	SendMessage(ctx context.Context, channelID, content string) (*discord.Message, error)
	EditOriginalResponse(ctx context.Context, interactionToken string, payload interface{}) error
	DeleteOriginalResponse(ctx context.Context, interactionToken string) error
}

// Synchronizer runs the email-verification role sync.
type Synchronizer interface {
	VerifyAndSync(ctx context.Context, email, discordUserID string) (*sync.Result, error)
}

// Handler serves the Discord interactions webhook: signature verification,
// PING handshake and slash command dispatch.
type Handler struct {
	verifier     *discord.InteractionVerifier
	platform     Platform
	synchronizer Synchronizer
	environment  string
	logger       logger.Logger
	startedAt    time.Time
}

func NewHandler(verifier *discord.InteractionVerifier, platform Platform,
	synchronizer Synchronizer, environment string, log logger.Logger) *Handler {
	return &Handler{
		verifier:     verifier,
		platform:     platform,
		synchronizer: synchronizer,
		environment:  environment,
		logger:       log.WithFields(map[string]interface{}{"component": "interaction-handler"}),
		startedAt:    time.Now(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	timestamp := r.Header.Get("X-Signature-Timestamp")
	if !h.verifier.Verify(signature, timestamp, body) {
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	var interaction discord.Interaction
	if err := json.Unmarshal(body, &interaction); err != nil {
		http.Error(w, "malformed interaction", http.StatusBadRequest)
		return
	}

	switch interaction.Type {
	case discord.InteractionTypePing:
		h.respond(w, discord.InteractionResponse{Type: discord.ResponseTypePong})
	case discord.InteractionTypeApplicationCommand:
		h.dispatch(w, interaction)
	default:
		http.Error(w, "unsupported interaction type", http.StatusBadRequest)
	}
}

func (h *Handler) dispatch(w http.ResponseWriter, interaction discord.Interaction) {
	if interaction.Data == nil {
		http.Error(w, "missing command data", http.StatusBadRequest)
		return
	}
	command := interaction.Data.Name
	metrics.InteractionsHandled.WithLabelValues(command).Inc()

	switch command {
	case "ping":
		h.handlePing(w, interaction)
	case "hello":
		h.handleHello(w, interaction)
	case "status":
		h.handleStatus(w)
	case "serverinfo":
		h.handleServerInfo(w, interaction)
	case "verify":
		h.handleVerify(w, interaction)
	default:
		h.logger.Warn("unknown command", map[string]interface{}{"command": command})
		h.respondContent(w, "❌ 未知命令！", true)
	}
}

func (h *Handler) handlePing(w http.ResponseWriter, interaction discord.Interaction) {
	latency := time.Since(discord.SnowflakeTime(interaction.ID))
	if latency < 0 {
		latency = -latency
	}
	h.respondContent(w, fmt.Sprintf("🏓 Pong! 延迟: %dms", latency.Milliseconds()), false)
}

func (h *Handler) handleHello(w http.ResponseWriter, interaction discord.Interaction) {
	name := "朋友"
	if sender := interaction.Sender(); sender != nil {
		name = sender.DisplayName()
	}
	h.respondContent(w, WelcomeMessage(name), false)
}

func (h *Handler) handleStatus(w http.ResponseWriter) {
	uptime := time.Since(h.startedAt)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	embed := discord.Embed{
		Color: 0x00ff00,
		Title: "🤖 机器人状态",
		Fields: []discord.EmbedField{
			{Name: "运行时间", Value: fmt.Sprintf("%d小时 %d分钟 %d秒", hours, minutes, seconds), Inline: true},
			{Name: "内存使用", Value: fmt.Sprintf("%dMB", mem.HeapAlloc/1024/1024), Inline: true},
			{Name: "Go 版本", Value: runtime.Version(), Inline: true},
			{Name: "运行环境", Value: h.environment, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.respond(w, discord.InteractionResponse{
		Type: discord.ResponseTypeChannelMessage,
		Data: &discord.ResponseData{Embeds: []discord.Embed{embed}},
	})
}

func (h *Handler) handleServerInfo(w http.ResponseWriter, interaction discord.Interaction) {
	if interaction.GuildID == "" {
		h.respondContent(w, "❌ 该命令只能在服务器中使用！", true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	guild, err := h.platform.Guild(ctx, interaction.GuildID)
	if err != nil {
		h.logger.Error("failed to fetch guild", map[string]interface{}{
			"guildId": interaction.GuildID,
			"error":   err.Error(),
		})
		h.respondContent(w, "❌ 执行命令时发生错误！", true)
		return
	}

	iconURL := "https://via.placeholder.com/128"
	if guild.Icon != "" {
		iconURL = fmt.Sprintf("https://cdn.discordapp.com/icons/%s/%s.png", guild.ID, guild.Icon)
	}

	embed := discord.Embed{
		Color: 0x0099FF,
		Title: "📊 服务器信息",
		Fields: []discord.EmbedField{
			{Name: "服务器名称", Value: guild.Name, Inline: true},
			{Name: "成员数量", Value: fmt.Sprintf("%d", guild.ApproximateMemberCnt), Inline: true},
			{Name: "创建时间", Value: guild.CreatedAt().Format("2006年1月2日"), Inline: true},
		},
		Thumbnail: &discord.EmbedThumbnail{URL: iconURL},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.respond(w, discord.InteractionResponse{
		Type: discord.ResponseTypeChannelMessage,
		Data: &discord.ResponseData{Embeds: []discord.Embed{embed}},
	})
}

// handleVerify acknowledges with a deferred response, then completes the sync
// in the background and edits or deletes the placeholder depending on the
// outcome.
func (h *Handler) handleVerify(w http.ResponseWriter, interaction discord.Interaction) {
	opt, ok := interaction.Option("email")
	if !ok || opt.StringValue() == "" {
		h.respondContent(w, "❌ 请提供邮箱地址。", true)
		return
	}
	sender := interaction.Sender()
	if sender == nil {
		h.respondContent(w, "❌ 执行命令时发生错误！", true)
		return
	}

	h.respond(w, discord.InteractionResponse{Type: discord.ResponseTypeDeferredChannelMessage})

	go h.completeVerify(interaction, opt.StringValue(), sender.ID)
}

func (h *Handler) completeVerify(interaction discord.Interaction, email, discordUserID string) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	log := h.logger.WithFields(map[string]interface{}{
		"discordUserId": discordUserID,
		"interactionId": interaction.ID,
	})

	result, err := h.synchronizer.VerifyAndSync(ctx, email, discordUserID)
	if err != nil {
		h.editOriginal(ctx, interaction.Token, verifyErrorText(err), log)
		return
	}

	summary := verifySummary(result)

	// At least one grant means sensitive membership detail: deliver over DM
	// and clear the public placeholder. Everything else stays visible in the
	// channel where the command ran.
	if len(result.Granted) > 0 {
		if err := h.sendDM(ctx, discordUserID, summary); err == nil {
			if err := h.platform.DeleteOriginalResponse(ctx, interaction.Token); err != nil {
				log.Warn("failed to delete verify placeholder", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
		log.Warn("verify summary DM failed, falling back to channel", nil)
	}

	h.editOriginal(ctx, interaction.Token, summary, log)
}

func (h *Handler) sendDM(ctx context.Context, userID, content string) error {
	channel, err := h.platform.CreateDM(ctx, userID)
	if err != nil {
		return err
	}
	_, err = h.platform.SendMessage(ctx, channel.ID, content)
	return err
}

func (h *Handler) editOriginal(ctx context.Context, token, content string, log logger.Logger) {
	if err := h.platform.EditOriginalResponse(ctx, token, discord.WebhookEdit{Content: content}); err != nil {
		log.Error("failed to edit interaction response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) respond(w http.ResponseWriter, response discord.InteractionResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to write interaction response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) respondContent(w http.ResponseWriter, content string, ephemeral bool) {
	data := &discord.ResponseData{Content: content}
	if ephemeral {
		data.Flags = discord.MessageFlagEphemeral
	}
	h.respond(w, discord.InteractionResponse{
		Type: discord.ResponseTypeChannelMessage,
		Data: data,
	})
}

func verifyErrorText(err error) string {
	var stdErr *stderrors.StandardError
	if errors.As(err, &stdErr) {
		switch stdErr.Code {
		case stderrors.ErrCodeOwnerNotFound:
			return "❌ 未找到使用该邮箱的购买记录，请检查邮箱地址。"
		case stderrors.ErrCodeNoEffectiveGrants:
			return "❌ 该邮箱没有有效的会员权益，可能已过期。"
		}
	}
	if errors.Is(err, sync.ErrVerificationInFlight) {
		return "⏳ 你已有一个正在进行的验证，请稍后再试。"
	}
	return "❌ 验证时发生错误，请稍后再试。"
}
