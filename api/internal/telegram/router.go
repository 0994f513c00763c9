package telegram

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/apex/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leafdoc/api/internal/service"
	"leafdoc/api/internal/store"
)

// BotAPI is the part of *tgbotapi.BotAPI the router uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Diagnoser interface {
	Diagnose(ctx context.Context, in service.Input) (service.Outcome, error)
}

type HistoryLister interface {
	ListByChat(ctx context.Context, chatID int64, limit int) ([]store.Diagnosis, error)
}

type Router struct {
	Bot       BotAPI
	Diagnoser Diagnoser
	History   HistoryLister // nil when running without a database
	HTTP      *http.Client
	// Ctx is the parent of every analysis; cancelling it stops them.
	// context.Background is used when nil.
	Ctx context.Context

	wg       sync.WaitGroup
	inFlight sync.Map // chatID -> struct{}
}

const usage = "Send me a photo of a single crop leaf and I will check it for disease.\n" +
	"Photos and image files (PNG, JPEG, WEBP) both work.\n\n" +
	"Commands:\n/help - this message\n/history - your last diagnoses\n/health - service status"

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	if upd.Message == nil || upd.Message.Chat == nil {
		return
	}
	msg := upd.Message
	cid := msg.Chat.ID

	switch {
	case msg.IsCommand():
		r.HandleCommand(msg)
	case len(msg.Photo) > 0:
		r.acceptPhoto(msg)
	case msg.Document != nil:
		r.acceptDocument(msg)
	default:
		r.send(cid, "Please send a photo of a leaf. /help shows what I can do.")
	}
}

func (r *Router) HandleCommand(msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		r.send(cid, usage)
	case "health":
		r.send(cid, "✅ OK")
	case "history":
		r.sendHistory(cid)
	default:
		r.send(cid, "Unknown command. /help lists the available ones.")
	}
}

func (r *Router) baseContext() context.Context {
	if r.Ctx != nil {
		return r.Ctx
	}
	return context.Background()
}

// Wait blocks until every analysis started by the router has replied.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) send(chatID int64, text string) {
	r.sendMessage(tgbotapi.NewMessage(chatID, text))
}

func (r *Router) sendMessage(msg tgbotapi.MessageConfig) {
	if _, err := r.Bot.Send(msg); err != nil {
		log.WithField("chat_id", msg.ChatID).WithError(err).Warn("telegram send failed")
	}
}

func (r *Router) sendHistory(chatID int64) {
	if r.History == nil {
		r.send(chatID, "History is not available on this server.")
		return
	}
	list, err := r.History.ListByChat(context.Background(), chatID, historyLimit)
	if err != nil {
		log.WithField("chat_id", chatID).WithError(err).Error("history lookup failed")
		r.send(chatID, "Could not load your history right now. Please try again later.")
		return
	}
	r.send(chatID, historyText(list))
}

func isImageMIME(mt string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mt)), "image/")
}
