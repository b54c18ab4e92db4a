package telegram

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyalert/internal/logger"
)

// Command is a bot command received from a chat.
type Command struct {
	Name   string
	Args   string
	ChatID int64
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// forwards bot commands on the returned channel. The goroutine stops, and the
// channel closes, when ctx is cancelled. Replies are sent with Reply so the
// consumer decides what to answer from its own goroutine.
func (c *Client) ListenForCommands(ctx context.Context) <-chan Command {
	out := make(chan Command)
	if c.bot == nil {
		close(out)
		return out
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				cmd, ok := parseCommand(update.Message)
				if !ok {
					continue
				}
				if cmd.Name == "ping" {
					c.Reply(ctx, cmd, "Pong")
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					c.bot.StopReceivingUpdates()
					return
				}
			}
		}
	}()
	return out
}

func parseCommand(msg *tgbotapi.Message) (Command, bool) {
	if msg == nil || !msg.IsCommand() {
		return Command{}, false
	}
	return Command{
		Name:   strings.ToLower(msg.Command()),
		Args:   strings.TrimSpace(msg.CommandArguments()),
		ChatID: msg.Chat.ID,
	}, true
}

// Reply answers a command in the chat it came from. The text must already be
// valid MarkdownV2.
func (c *Client) Reply(ctx context.Context, cmd Command, text string) {
	if err := c.sendMarkdownV2(ctx, cmd.ChatID, text); err != nil {
		logger.Warn("Failed to reply to /%s: %v", cmd.Name, err)
	}
}
