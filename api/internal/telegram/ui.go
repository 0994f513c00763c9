package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leafdoc/api/internal/present"
	"leafdoc/api/internal/store"
)

const cbHistory = "history"

func resultKeyboard() tgbotapi.InlineKeyboardMarkup {
	btn := tgbotapi.NewInlineKeyboardButtonData("📜 My last diagnoses", cbHistory)
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(btn))
}

func historyText(list []store.Diagnosis) string {
	if len(list) == 0 {
		return "No diagnoses yet. Send a leaf photo to get started."
	}
	var b strings.Builder
	b.WriteString("Your last diagnoses:\n")
	for i, d := range list {
		status := d.Result.DiseaseName
		if d.Result.IsHealthy {
			status = "healthy"
		}
		fmt.Fprintf(&b, "\n%d. %s  %s (%s)", i+1,
			d.CreatedAt.UTC().Format("2006-01-02 15:04"),
			status,
			present.Percent(d.Result.ConfidenceScore))
	}
	return b.String()
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= maxResultLen {
		return text
	}
	return string(r[:maxResultLen]) + "…"
}
