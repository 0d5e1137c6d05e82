// internal/bot/commands.go
package bot

import "trinity-bot/internal/discord"

const optionTypeString = 3

// Commands returns the slash command set the bot registers and serves.
func Commands() []discord.ApplicationCommand {
	return []discord.ApplicationCommand{
		{
			Name:        "ping",
			Description: "检查机器人是否在线",
		},
		{
			Name:        "hello",
			Description: "向机器人问好",
		},
		{
			Name:        "serverinfo",
			Description: "显示服务器信息",
		},
		{
			Name:        "status",
			Description: "显示机器人运行状态",
		},
		{
			Name:        "verify",
			Description: "验证邮箱并同步会员身份组",
			Options: []discord.ApplicationCommandOption{
				{
					Type:        optionTypeString,
					Name:        "email",
					Description: "购买时使用的邮箱地址",
					Required:    true,
				},
			},
		},
	}
}
