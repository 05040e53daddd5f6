// Package bot delivers digests through Telegram.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mention_radar/internal/digest"
)

// MaxMessageLength is the Telegram limit for one text message.
const MaxMessageLength = 4096

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Notifier sends digests to Telegram chats. The recipient of a digest is a
// numeric chat ID.
type Notifier struct {
	api telegramAPI
	log *slog.Logger
}

// New creates a Notifier with the given Telegram token.
func New(token string, log *slog.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newNotifier(api, log), nil
}

func newNotifier(api telegramAPI, log *slog.Logger) *Notifier {
	return &Notifier{api: api, log: log.With("component", "telegram")}
}

// Send delivers msg as one or more messages. It fails on the first chunk
// Telegram rejects.
func (n *Notifier) Send(ctx context.Context, msg digest.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.Recipient, err)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	chunks := Split(text, MaxMessageLength)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := tgbotapi.NewMessage(chatID, chunk)
		m.DisableWebPagePreview = true
		if _, err := n.api.Send(m); err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	n.log.Debug("digest delivered", "chat_id", chatID, "parts", len(chunks))
	return nil
}

// Run answers /start and /help with the chat ID to register as a recipient,
// blocking until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			n.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		n.reply(chatID, fmt.Sprintf(
			"Mention digests are delivered to this chat once it is registered.\n\nRecipient ID: %d\n\nRegister with: radar user add --name <name> --recipient %d",
			chatID, chatID))
	default:
		n.reply(chatID, "Unknown command. Use /help.")
	}
}

func (n *Notifier) reply(chatID int64, text string) {
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

// Split breaks text into chunks of at most limit characters, preferring line
// boundaries.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	size := 0
	flush := func() {
		if size > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			size = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if size+n > limit {
			flush()
		}
		for n > limit {
			r := []rune(line)
			chunks = append(chunks, string(r[:limit]))
			line = string(r[limit:])
			n -= limit
		}
		cur.WriteString(line)
		size += n
	}
	flush()
	return chunks
}
