// Package telegram delivers price alerts and service notices via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/storage"
)

// DefaultBatchSize is the largest alert count sent as individual messages.
const DefaultBatchSize = 5

// sender is the part of *tgbotapi.BotAPI used to deliver messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	batchSize      int
}

// NewClient creates a new Telegram client. It contacts the Bot API to
// validate the token.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		sender:         s,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		batchSize:      DefaultBatchSize,
	}
}

// SetBatchSize changes how many alerts are sent individually before the
// client switches to summary messages.
func (c *Client) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

// TestConnection asks the Bot API who we are and returns the bot username.
func (c *Client) TestConnection() (string, error) {
	if c.bot == nil {
		return "", fmt.Errorf("bot API not configured")
	}
	me, err := c.bot.GetMe()
	if err != nil {
		return "", fmt.Errorf("getMe failed: %w", err)
	}
	return me.UserName, nil
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.sender.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// Deliver sends alerts and returns the number of messages delivered. Up to
// batchSize alerts go out one message each; larger lists are summarized in
// chunks of batchSize. Failures are logged, never returned.
func (c *Client) Deliver(ctx context.Context, alerts []models.PriceAlert) int {
	sent, _ := c.DeliverTracked(ctx, alerts)
	return sent
}

// DeliverTracked is Deliver that also reports, per alert, whether the message
// carrying it went out.
func (c *Client) DeliverTracked(ctx context.Context, alerts []models.PriceAlert) (int, []bool) {
	delivered := make([]bool, len(alerts))
	individual := len(alerts) <= c.batchSize
	step := c.batchSize
	if individual {
		step = 1
	}

	sent := 0
	for i := 0; i < len(alerts); i += step {
		end := min(i+step, len(alerts))
		text := formatBatch(alerts[i:end])
		if individual {
			text = formatAlert(alerts[i])
		}
		if err := c.sendMarkdownV2(ctx, c.chatID, text); err != nil {
			logger.Error("Failed to send Telegram alert: %v", err)
			continue
		}
		sent++
		for j := i; j < end; j++ {
			delivered[j] = true
		}
	}
	return sent, delivered
}

// SendStartup announces that monitoring has begun.
func (c *Client) SendStartup(ctx context.Context, marketCount int, threshold, minVolume float64) error {
	text := "🚀 *Polymarket Price Monitor Started*\n\n" +
		fmt.Sprintf("📊 Monitoring: %s markets\n", escapeMarkdownV2(formatThousands(float64(marketCount)))) +
		fmt.Sprintf("📈 Alert threshold: %s\n", escapeMarkdownV2(fmt.Sprintf("%g%%", threshold))) +
		fmt.Sprintf("💰 Min volume: %s\n\n", escapeMarkdownV2("$"+formatThousands(minVolume))) +
		escapeMarkdownV2("You'll receive alerts when any market moves significantly.")
	return c.sendMarkdownV2(ctx, c.chatID, text)
}

// SendStatus reports uptime and totals, typically on shutdown or /status.
func (c *Client) SendStatus(ctx context.Context, marketCount, alertsSent int, uptime time.Duration) error {
	return c.sendMarkdownV2(ctx, c.chatID, FormatStatus(marketCount, alertsSent, uptime))
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, c.chatID, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, c.chatID, text)
}

// SendText sends plain text, escaped for MarkdownV2.
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.sendMarkdownV2(ctx, c.chatID, escapeMarkdownV2(text))
}

// FormatStatus renders the status message body.
func FormatStatus(marketCount, alertsSent int, uptime time.Duration) string {
	return "📊 *Polymarket Monitor Status*\n\n" +
		fmt.Sprintf("🕐 Uptime: %s hours\n", escapeMarkdownV2(fmt.Sprintf("%.1f", uptime.Hours()))) +
		fmt.Sprintf("📈 Markets monitored: %s\n", escapeMarkdownV2(formatThousands(float64(marketCount)))) +
		fmt.Sprintf("🔔 Alerts sent: %s\n", escapeMarkdownV2(formatThousands(float64(alertsSent))))
}

// maxMessageRunes stays under Telegram's 4096-character message limit.
const maxMessageRunes = 4000

// FormatMovers renders a ranked top-movers list, split into as many messages
// as needed to keep each under the Telegram length limit.
func FormatMovers(movers []models.PriceAlert) []string {
	if len(movers) == 0 {
		return []string{escapeMarkdownV2("No price movements found")}
	}
	entries := make([]string, 0, len(movers))
	for i, a := range movers {
		entries = append(entries, fmt.Sprintf("%d\\. %s\n   %s %s\n",
			i+1, marketLink(a, 50), a.Emoji(), escapeMarkdownV2(priceLine(a))))
	}
	return splitMessages(fmt.Sprintf("🏁 *Top %d Price Movers*\n\n", len(movers)), entries)
}

// FormatHistory renders stored alerts, newest first, out of total recorded.
func FormatHistory(records []storage.AlertRecord, total int) []string {
	if len(records) == 0 {
		return []string{escapeMarkdownV2("No alerts recorded yet")}
	}
	entries := make([]string, 0, len(records))
	for i, r := range records {
		title := escapeMarkdownV2(truncate(r.Question, 50))
		if r.Slug != "" {
			title = fmt.Sprintf("[%s](%s)", title, escapeLinkURL(models.MarketURLBase+r.Slug))
		}
		status := "sent"
		if !r.Delivered {
			status = "not sent"
		}
		line := fmt.Sprintf("%s: %s · %s · %s",
			r.Outcome,
			formatPriceMove(r.OldPrice, r.NewPrice, r.ChangePercent),
			r.CreatedAt.UTC().Format("Jan 2 15:04 UTC"),
			status)
		entries = append(entries, fmt.Sprintf("%d\\. %s\n   %s\n", i+1, title, escapeMarkdownV2(line)))
	}
	header := fmt.Sprintf("🗂 *Recent Alerts* %s\n\n", escapeMarkdownV2(fmt.Sprintf("(%d of %d)", len(records), total)))
	return splitMessages(header, entries)
}

// splitMessages joins header and entries into messages of at most
// maxMessageRunes runes. Entries are never split.
func splitMessages(header string, entries []string) []string {
	var messages []string
	var b strings.Builder
	b.WriteString(header)
	size := utf8.RuneCountInString(header)
	for _, entry := range entries {
		n := utf8.RuneCountInString(entry)
		if size+n > maxMessageRunes && b.Len() > 0 {
			messages = append(messages, b.String())
			b.Reset()
			size = 0
		}
		b.WriteString(entry)
		size += n
	}
	return append(messages, b.String())
}

// formatAlert renders a single alert message.
func formatAlert(a models.PriceAlert) string {
	var b strings.Builder
	b.WriteString("🚨 *PRICE ALERT*\n\n")
	fmt.Fprintf(&b, "📊 %s\n", escapeMarkdownV2(a.Question()))
	fmt.Fprintf(&b, "%s Outcome: %s\n", a.Emoji(), escapeMarkdownV2(a.Outcome))
	fmt.Fprintf(&b, "💰 Price: %s\n", escapeMarkdownV2(priceChange(a)))
	if a.Market != nil {
		fmt.Fprintf(&b, "📊 Volume: %s\n", escapeMarkdownV2("$"+formatThousands(a.Market.Volume)))
		if a.Market.URL != "" {
			fmt.Fprintf(&b, "\n🔗 %s", escapeMarkdownV2(a.Market.URL))
		}
	}
	return b.String()
}

// formatBatch renders several alerts as one summary message.
func formatBatch(alerts []models.PriceAlert) string {
	var b strings.Builder
	b.WriteString("🚨 *PRICE ALERTS SUMMARY*\n\n")
	for _, a := range alerts {
		fmt.Fprintf(&b, "%s %s\n   %s\n\n", a.Emoji(), marketLink(a, 50), escapeMarkdownV2(priceLine(a)))
	}
	fmt.Fprintf(&b, "📊 Total: %d market\\(s\\) with significant moves", len(alerts))
	return b.String()
}

func marketLink(a models.PriceAlert, maxLen int) string {
	title := escapeMarkdownV2(truncate(a.Question(), maxLen))
	if a.Market == nil || a.Market.URL == "" {
		return title
	}
	return fmt.Sprintf("[%s](%s)", title, escapeLinkURL(a.Market.URL))
}

func priceChange(a models.PriceAlert) string {
	return formatPriceMove(a.OldPrice, a.NewPrice, a.ChangePercent)
}

func formatPriceMove(oldPrice, newPrice, change float64) string {
	sign := ""
	if change > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%.2f → %.2f (%s%.1f%%)", oldPrice, newPrice, sign, change)
}

func priceLine(a models.PriceAlert) string {
	return a.Outcome + ": " + priceChange(a)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// formatThousands renders a non-negative amount with comma separators and no decimals.
func formatThousands(v float64) string {
	s := strconv.FormatFloat(v, 'f', 0, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, ch := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(ch)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeLinkURL escapes the characters MarkdownV2 reserves inside (...) link targets.
func escapeLinkURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}
