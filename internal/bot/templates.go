// internal/bot/templates.go
package bot

import (
	"fmt"
	"strings"

	"trinity-bot/internal/entitlements/sync"
)

// WelcomeMessage is the greeting posted to the welcome channel for a new
// member.
func WelcomeMessage(displayName string) string {
	return fmt.Sprintf("👋 你好，%s！欢迎来到三元宇宙！", displayName)
}

// KeywordReply returns the canned reply for a chat message, if the message
// matches one of the known keywords.
func KeywordReply(content string) (string, bool) {
	lowered := strings.ToLower(content)
	if strings.Contains(lowered, "你好") || strings.Contains(lowered, "hello") {
		return "👋 你好！我是三元宇宙的机器人助手！", true
	}
	return "", false
}

// verifySummary renders the per-grant outcome of a synchronization pass.
func verifySummary(result *sync.Result) string {
	var b strings.Builder

	if len(result.Granted) > 0 {
		b.WriteString("✅ 已为你添加以下身份组：\n")
		for _, g := range result.Granted {
			fmt.Fprintf(&b, "- %s\n", g.Slug)
		}
	}
	if len(result.Skipped) > 0 {
		b.WriteString("ℹ️ 已跳过：\n")
		for _, g := range result.Skipped {
			fmt.Fprintf(&b, "- %s（%s）\n", g.Slug, skipReasonText(g.Reason))
		}
	}
	if len(result.Failed) > 0 {
		b.WriteString("⚠️ 以下身份组同步失败，请联系管理员：\n")
		for _, g := range result.Failed {
			fmt.Fprintf(&b, "- %s\n", g.Slug)
		}
	}
	if b.Len() == 0 {
		return "ℹ️ 没有需要同步的身份组。"
	}
	return strings.TrimRight(b.String(), "\n")
}

func skipReasonText(reason string) string {
	switch reason {
	case sync.ReasonAlreadyHeld:
		return "你已拥有该身份组"
	case sync.ReasonUnbound:
		return "该权限暂未绑定身份组"
	default:
		return reason
	}
}
