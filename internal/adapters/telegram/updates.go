package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/application"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxUpdateBytes = 1 << 20

// Dispatcher turns a command into replies for the caller.
type Dispatcher interface {
	Handle(ctx context.Context, cmd application.Command) ([]domain.OutboundMessage, error)
}

// CommandFromUpdate normalizes a text message. Updates without a sender or text are skipped.
func CommandFromUpdate(update tgbotapi.Update) (application.Command, int64, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return application.Command{}, 0, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return application.Command{}, 0, false
	}

	cmd := application.Command{
		CallerExternalID: msg.From.ID,
		CallerFirstName:  msg.From.FirstName,
		CallerLastName:   msg.From.LastName,
		Text:             text,
	}
	if msg.IsCommand() {
		cmd.Name = strings.ToLower(msg.Command())
		cmd.Args = strings.TrimSpace(msg.CommandArguments())
	} else {
		cmd.Name, cmd.Args = application.ParseCommand(text)
	}
	return cmd, msg.Chat.ID, true
}

// Process dispatches one update and sends the replies back to the originating chat.
func Process(ctx context.Context, update tgbotapi.Update, dispatcher Dispatcher, messenger domain.Messenger, logger *slog.Logger) {
	cmd, chatID, ok := CommandFromUpdate(update)
	if !ok {
		return
	}

	replies, err := dispatcher.Handle(ctx, cmd)
	if err != nil {
		logger.Error("update failed", "update_id", update.UpdateID, "error", err)
	}
	for _, reply := range replies {
		if err := messenger.SendMessage(ctx, chatID, reply); err != nil {
			logger.Warn("reply not delivered", "update_id", update.UpdateID, "chat_id", chatID, "error", err)
		}
	}
}

// WebhookHandler accepts Telegram updates. Once the body parses it always answers 200 so
// Telegram does not redeliver updates that failed for business reasons.
func WebhookHandler(dispatcher Dispatcher, messenger domain.Messenger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&update); err != nil {
			logger.Warn("invalid telegram update", "error", err)
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}

		Process(r.Context(), update, dispatcher, messenger, logger)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}
