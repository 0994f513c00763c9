package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	_, _ = r.Bot.Request(tgbotapi.NewCallback(cb.ID, "")) // ack
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	switch cb.Data {
	case cbHistory:
		r.sendHistory(cb.Message.Chat.ID)
	}
}
