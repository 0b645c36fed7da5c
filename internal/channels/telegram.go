package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/quantumclaw/quantumclaw/internal/bus"
)

// telegramMessageLimit is the Bot API hard cap per message.
const telegramMessageLimit = 4096

// Telegram connects via the Bot API with long polling.
type Telegram struct {
	bot    *telego.Bot
	bus    *bus.MessageBus
	logger *slog.Logger

	running    bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewTelegram(token string, b *bus.MessageBus, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, bus: b, logger: logger}, nil
}

func (t *Telegram) Name() string       { return "telegram" }
func (t *Telegram) Running() bool      { return t.running }
func (t *Telegram) MaxMessageLen() int { return telegramMessageLimit }

// Start begins long polling. Non-blocking; updates are pumped onto the
// bus from a goroutine until Stop cancels the polling context.
func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	t.running = true
	t.logger.Info("telegram connected", "username", t.bot.Username())

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.publish(update.Message)
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) publish(msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	peerKind := "direct"
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		peerKind = "group"
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}

	meta := map[string]string{}
	if t.mentionsBot(msg) {
		meta["mentioned"] = "true"
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == t.bot.Username() {
		meta["reply_to_bot"] = "true"
	}

	t.bus.PublishInbound(bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   senderID,
		SenderName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    msg.Text,
		PeerKind:   peerKind,
		Metadata:   meta,
	})
}

func (t *Telegram) mentionsBot(msg *telego.Message) bool {
	handle := "@" + t.bot.Username()
	for _, e := range msg.Entities {
		if e.Type == "mention" &&
			strings.EqualFold(substrUTF16(msg.Text, e.Offset, e.Length), handle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg.Text), strings.ToLower(handle))
}

// substrUTF16 extracts an entity slice; Telegram offsets are in UTF-16
// code units.
func substrUTF16(s string, offset, length int) string {
	var out []rune
	pos := 0
	for _, r := range s {
		units := 1
		if r > 0xFFFF {
			units = 2
		}
		if pos >= offset && pos < offset+length {
			out = append(out, r)
		}
		pos += units
		if pos >= offset+length {
			break
		}
	}
	return string(out)
}

// Send delivers one outbound chunk.
func (t *Telegram) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", msg.ChatID, err)
	}
	_, err = t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content))
	return err
}

// SendTyping shows the typing indicator.
func (t *Telegram) SendTyping(ctx context.Context, chatIDStr string) error {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return err
	}
	return t.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// Stop cancels polling and waits for the pump to exit so Telegram
// releases the getUpdates lock before a restart.
func (t *Telegram) Stop(context.Context) error {
	t.running = false
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-time.After(10 * time.Second):
			t.logger.Warn("telegram polling did not exit in time")
		}
	}
	return nil
}
