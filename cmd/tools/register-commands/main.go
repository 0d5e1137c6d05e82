// cmd/tools/register-commands/main.go
//
// One-shot tool that registers the bot's slash commands with Discord.
// Registers guild commands when DISCORD_GUILD_ID is configured (instant
// propagation, good for development) and global commands otherwise.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"trinity-bot/internal/bot"
	"trinity-bot/internal/common/config"
	"trinity-bot/internal/discord"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	client := discord.NewClient(cfg.Discord.Token, cfg.Discord.ApplicationID, cfg.Discord.APIBaseURL)
	commands := bot.Commands()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Discord.GuildID != "" {
		if err := client.RegisterGuildCommands(ctx, cfg.Discord.GuildID, commands); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register guild commands: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("registered %d guild commands for guild %s\n", len(commands), cfg.Discord.GuildID)
		return
	}

	if err := client.RegisterGlobalCommands(ctx, commands); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register global commands: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered %d global commands\n", len(commands))
}
