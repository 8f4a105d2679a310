package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/convpipe/internal/gateway"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

const maxTelegramMessage = 4096

// Pipeline is the part of the coordinator the adapter drives.
type Pipeline interface {
	SubmitAsync(msg *types.InboundMessage, opts ...gateway.RunOption) (types.ConversationID, error)
	View(ctx context.Context, id types.ConversationID) (*gateway.Result, error)
}

// Adapter bridges Telegram chats to conversations.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	pipeline Pipeline
	bindings *state.BindingStore
}

// New creates a Telegram adapter.
func New(token string, pipeline Pipeline, bindings *state.BindingStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:      bot,
		pipeline: pipeline,
		bindings: bindings,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	key := buildChannelKey(msg.From.ID, msg.Chat.ID)
	id, err := a.bindings.ResolveOrCreate(ctx, key)
	if err != nil {
		slog.Error("resolve binding failed", "channel_key", string(key), "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
		return
	}

	_, err = a.pipeline.SubmitAsync(&types.InboundMessage{
		Source:         "telegram",
		ConversationID: id,
		Text:           msg.Text,
		Key:            fmt.Sprintf("telegram:%d:%d", chatID, msg.MessageID),
	}, gateway.WithOnComplete(func(response string) {
		if response != "" {
			a.sendResponse(chatID, response)
		}
	}))
	if err != nil {
		slog.Error("submit failed", "conversation_id", string(id), "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildChannelKey(msg.From.ID, msg.Chat.ID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Ask me about your account, for example: What's my balance?")

	case "new":
		if _, err := a.bindings.Rebind(ctx, key); err != nil {
			slog.Error("rebind failed", "channel_key", string(key), "error", err)
			a.sendResponse(chatID, "Error starting a new conversation.")
			return
		}
		a.sendResponse(chatID, "Started a new conversation. The previous one is kept in the log.")

	case "status":
		id, err := a.bindings.ResolveOrCreate(ctx, key)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		res, err := a.pipeline.View(ctx, id)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, formatStatus(res.View))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

// SendTo delivers text to the chat encoded in a telegram channel key.
func (a *Adapter) SendTo(key types.ChannelKey, text string) error {
	chatID, err := chatIDFromKey(key)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, text)
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func formatStatus(v *view.Conversation) string {
	return fmt.Sprintf("Conversation: %s\nState: %s\nRecords: %d", v.ConversationID, v.State, len(v.Entries))
}

// splitMessage cuts text into chunks of at most maxTelegramMessage bytes,
// never inside a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == 0 {
			end = maxTelegramMessage
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if len(text) > 0 {
		parts = append(parts, text)
	}
	return parts
}

func buildChannelKey(userID, chatID int64) types.ChannelKey {
	return types.NewChannelKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// chatIDFromKey extracts the chat id from "telegram:<user>:<chat>" or
// "telegram:<chat>".
func chatIDFromKey(key types.ChannelKey) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) < 2 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram channel key: %s", key)
	}
	chatID, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id in channel key %s: %w", key, err)
	}
	return chatID, nil
}
