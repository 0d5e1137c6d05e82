// internal/bot/handler_test.go
package bot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	stderrors "trinity-bot/internal/common/errors"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/sync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Fakes
// ==========================

type fakePlatform struct {
	guild     *discord.Guild
	guildErr  error
	dmErr     error
	sent      []string
	edits     []string
	deletions []string
}

func (f *fakePlatform) Guild(_ context.Context, _ string) (*discord.Guild, error) {
	if f.guildErr != nil {
		return nil, f.guildErr
	}
	return f.guild, nil
}

func (f *fakePlatform) CreateDM(_ context.Context, userID string) (*discord.Channel, error) {
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	return &discord.Channel{ID: "dm-" + userID}, nil
}

func (f *fakePlatform) SendMessage(_ context.Context, _, content string) (*discord.Message, error) {
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	f.sent = append(f.sent, content)
	return &discord.Message{ID: "m1"}, nil
}

func (f *fakePlatform) EditOriginalResponse(_ context.Context, _ string, payload interface{}) error {
	edit, _ := payload.(discord.WebhookEdit)
	f.edits = append(f.edits, edit.Content)
	return nil
}

func (f *fakePlatform) DeleteOriginalResponse(_ context.Context, token string) error {
	f.deletions = append(f.deletions, token)
	return nil
}

type fakeSynchronizer struct {
	result *sync.Result
	err    error
	calls  []string
}

func (f *fakeSynchronizer) VerifyAndSync(_ context.Context, email, _ string) (*sync.Result, error) {
	f.calls = append(f.calls, email)
	return f.result, f.err
}

// ==========================
// Test Helper Functions
// ==========================

type testRig struct {
	handler  *Handler
	platform *fakePlatform
	synchron *fakeSynchronizer
	priv     ed25519.PrivateKey
}

func createTestRig(t *testing.T) *testRig {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	verifier, err := discord.NewInteractionVerifier(hex.EncodeToString(pub))
	require.NoError(t, err)

	platform := &fakePlatform{guild: &discord.Guild{ID: "175928847299117063", Name: "三元宇宙", ApproximateMemberCnt: 42}}
	synchron := &fakeSynchronizer{}

	return &testRig{
		handler:  NewHandler(verifier, platform, synchron, "development", logger.NewTestLogger(t)),
		platform: platform,
		synchron: synchron,
		priv:     priv,
	}
}

func (r *testRig) post(t *testing.T, interaction interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(interaction)
	require.NoError(t, err)

	timestamp := "1693400000"
	sig := ed25519.Sign(r.priv, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, "/interactions", bytes.NewReader(body))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)

	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) discord.InteractionResponse {
	t.Helper()
	var resp discord.InteractionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func commandInteraction(name string, options ...discord.InteractionOption) discord.Interaction {
	return discord.Interaction{
		ID:      "175928847299117063",
		Type:    discord.InteractionTypeApplicationCommand,
		Token:   "tok-1",
		GuildID: "g1",
		Member: &discord.Member{
			User: &discord.User{ID: "u1", Username: "alice", GlobalName: "Alice"},
		},
		Data: &discord.InteractionData{Name: name, Options: options},
	}
}

func stringOption(name, value string) discord.InteractionOption {
	raw, _ := json.Marshal(value)
	return discord.InteractionOption{Name: name, Value: raw}
}

// ==========================
// Webhook Protocol Tests
// ==========================

func TestHandler_SignatureRejection(t *testing.T) {
	rig := createTestRig(t)

	body := []byte(`{"type":1}`)
	req := httptest.NewRequest(http.MethodPost, "/interactions", bytes.NewReader(body))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(make([]byte, ed25519.SignatureSize)))
	req.Header.Set("X-Signature-Timestamp", "1693400000")

	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_PingPong(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, discord.Interaction{Type: discord.InteractionTypePing})

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, discord.ResponseTypePong, resp.Type)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	rig := createTestRig(t)

	req := httptest.NewRequest(http.MethodGet, "/interactions", nil)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ==========================
// Command Dispatch Tests
// ==========================

func TestHandler_Ping(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, commandInteraction("ping"))

	resp := decodeResponse(t, rec)
	assert.Equal(t, discord.ResponseTypeChannelMessage, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Contains(t, resp.Data.Content, "🏓 Pong!")
}

func TestHandler_Hello(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, commandInteraction("hello"))

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Data)
	assert.Contains(t, resp.Data.Content, "Alice")
	assert.Contains(t, resp.Data.Content, "欢迎来到三元宇宙")
}

func TestHandler_Status(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, commandInteraction("status"))

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "🤖 机器人状态", embed.Title)
	assert.Len(t, embed.Fields, 4)
}

func TestHandler_ServerInfo(t *testing.T) {
	t.Run("renders the guild embed", func(t *testing.T) {
		rig := createTestRig(t)

		rec := rig.post(t, commandInteraction("serverinfo"))

		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Data)
		require.Len(t, resp.Data.Embeds, 1)
		embed := resp.Data.Embeds[0]
		assert.Equal(t, "📊 服务器信息", embed.Title)
		assert.Equal(t, "三元宇宙", embed.Fields[0].Value)
		assert.Equal(t, "42", embed.Fields[1].Value)
	})

	t.Run("outside a guild", func(t *testing.T) {
		rig := createTestRig(t)
		interaction := commandInteraction("serverinfo")
		interaction.GuildID = ""

		rec := rig.post(t, interaction)

		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Data)
		assert.Contains(t, resp.Data.Content, "只能在服务器中使用")
	})

	t.Run("guild fetch failure", func(t *testing.T) {
		rig := createTestRig(t)
		rig.platform.guildErr = errors.New("rate limited")

		rec := rig.post(t, commandInteraction("serverinfo"))

		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Data)
		assert.Contains(t, resp.Data.Content, "发生错误")
	})
}

func TestHandler_UnknownCommand(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, commandInteraction("fortune"))

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Data)
	assert.Contains(t, resp.Data.Content, "未知命令")
	assert.Equal(t, discord.MessageFlagEphemeral, resp.Data.Flags)
}

// ==========================
// Verify Flow Tests
// ==========================

func TestHandler_Verify_Defers(t *testing.T) {
	rig := createTestRig(t)
	rig.synchron.result = &sync.Result{}

	rec := rig.post(t, commandInteraction("verify", stringOption("email", "alice@example.com")))

	resp := decodeResponse(t, rec)
	assert.Equal(t, discord.ResponseTypeDeferredChannelMessage, resp.Type)
}

func TestHandler_Verify_MissingEmail(t *testing.T) {
	rig := createTestRig(t)

	rec := rig.post(t, commandInteraction("verify"))

	resp := decodeResponse(t, rec)
	assert.Equal(t, discord.ResponseTypeChannelMessage, resp.Type)
	assert.Contains(t, resp.Data.Content, "请提供邮箱地址")
	assert.Empty(t, rig.synchron.calls)
}

func TestHandler_CompleteVerify(t *testing.T) {
	interaction := commandInteraction("verify")

	t.Run("granted roles go to DM and the placeholder is deleted", func(t *testing.T) {
		rig := createTestRig(t)
		rig.synchron.result = &sync.Result{
			Granted: []sync.GrantOutcome{{GrantID: "grant-1", Slug: "citizen"}},
		}

		rig.handler.completeVerify(interaction, "alice@example.com", "u1")

		require.Len(t, rig.platform.sent, 1)
		assert.Contains(t, rig.platform.sent[0], "citizen")
		assert.Equal(t, []string{"tok-1"}, rig.platform.deletions)
		assert.Empty(t, rig.platform.edits)
	})

	t.Run("DM failure falls back to a visible summary", func(t *testing.T) {
		rig := createTestRig(t)
		rig.platform.dmErr = errors.New("cannot send messages to this user")
		rig.synchron.result = &sync.Result{
			Granted: []sync.GrantOutcome{{GrantID: "grant-1", Slug: "citizen"}},
		}

		rig.handler.completeVerify(interaction, "alice@example.com", "u1")

		assert.Empty(t, rig.platform.deletions)
		require.Len(t, rig.platform.edits, 1)
		assert.Contains(t, rig.platform.edits[0], "citizen")
	})

	t.Run("nothing granted stays visible and nothing is deleted", func(t *testing.T) {
		rig := createTestRig(t)
		rig.synchron.result = &sync.Result{
			Skipped: []sync.GrantOutcome{{GrantID: "grant-1", Slug: "citizen", Reason: sync.ReasonAlreadyHeld}},
		}

		rig.handler.completeVerify(interaction, "alice@example.com", "u1")

		assert.Empty(t, rig.platform.sent)
		assert.Empty(t, rig.platform.deletions)
		require.Len(t, rig.platform.edits, 1)
		assert.Contains(t, rig.platform.edits[0], "已跳过")
	})

	t.Run("owner not found renders a friendly error", func(t *testing.T) {
		rig := createTestRig(t)
		rig.synchron.err = stderrors.NewOwnerNotFoundError("email lookup")

		rig.handler.completeVerify(interaction, "nobody@example.com", "u1")

		require.Len(t, rig.platform.edits, 1)
		assert.Contains(t, rig.platform.edits[0], "未找到使用该邮箱的购买记录")
	})

	t.Run("no effective grants renders the expiry hint", func(t *testing.T) {
		rig := createTestRig(t)
		rig.synchron.err = stderrors.NewNoEffectiveGrantsError("owner-1")

		rig.handler.completeVerify(interaction, "alice@example.com", "u1")

		require.Len(t, rig.platform.edits, 1)
		assert.Contains(t, rig.platform.edits[0], "没有有效的会员权益")
	})

	t.Run("in-flight verification renders the retry hint", func(t *testing.T) {
		rig := createTestRig(t)
		rig.synchron.err = sync.ErrVerificationInFlight

		rig.handler.completeVerify(interaction, "alice@example.com", "u1")

		require.Len(t, rig.platform.edits, 1)
		assert.Contains(t, rig.platform.edits[0], "正在进行的验证")
	})
}

// ==========================
// Template Tests
// ==========================

func TestKeywordReply(t *testing.T) {
	reply, ok := KeywordReply("Hello there")
	assert.True(t, ok)
	assert.Contains(t, reply, "机器人助手")

	reply, ok = KeywordReply("你好呀")
	assert.True(t, ok)
	assert.NotEmpty(t, reply)

	_, ok = KeywordReply("nothing matching")
	assert.False(t, ok)
}

func TestVerifySummary(t *testing.T) {
	result := &sync.Result{
		Granted: []sync.GrantOutcome{{Slug: "citizen"}},
		Skipped: []sync.GrantOutcome{{Slug: "founder", Reason: sync.ReasonUnbound}},
		Failed:  []sync.GrantOutcome{{Slug: "pioneer", Reason: sync.ReasonStaleRole}},
	}

	summary := verifySummary(result)
	assert.Contains(t, summary, "citizen")
	assert.Contains(t, summary, "founder")
	assert.Contains(t, summary, "pioneer")
	assert.Contains(t, summary, "同步失败")

	assert.Equal(t, "ℹ️ 没有需要同步的身份组。", verifySummary(&sync.Result{}))
}
