package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/present"
	"leafdoc/api/internal/service"
)

func (r *Router) acceptPhoto(msg *tgbotapi.Message) {
	// the last size is the largest
	ph := msg.Photo[len(msg.Photo)-1]
	r.startAnalysis(msg.Chat.ID, ph.FileID, "image/jpeg")
}

func (r *Router) acceptDocument(msg *tgbotapi.Message) {
	doc := msg.Document
	if !isImageMIME(doc.MimeType) {
		r.send(msg.Chat.ID, "This file is not an image. Please send a PNG, JPEG or WEBP photo of a leaf.")
		return
	}
	r.startAnalysis(msg.Chat.ID, doc.FileID, doc.MimeType)
}

func (r *Router) startAnalysis(chatID int64, fileID, mimeType string) {
	if !r.begin(chatID) {
		r.send(chatID, "⏳ Still analyzing your previous photo, please wait.")
		return
	}
	r.send(chatID, "🔍 Photo received, analyzing…")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.end(chatID)
		r.analyze(r.baseContext(), chatID, fileID, mimeType)
	}()
}

func (r *Router) analyze(ctx context.Context, chatID int64, fileID, mimeType string) {
	data, err := r.fetch(ctx, fileID)
	if err != nil {
		log.WithFields(log.Fields{"chat_id": chatID, "file_id": fileID}).WithError(err).Error("telegram file download failed")
		r.SendError(chatID, err)
		return
	}
	out, err := r.Diagnoser.Diagnose(ctx, service.Input{ChatID: chatID, Data: data, MIMEType: mimeType})
	if err != nil {
		r.SendError(chatID, err)
		return
	}
	r.SendResult(chatID, out)
}

func (r *Router) SendResult(chatID int64, out service.Outcome) {
	text := present.Card(out.Diagnosis.Result)
	if out.Cached {
		text += "\n\n(seen this photo before, showing the saved diagnosis)"
	}
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	if r.History != nil {
		msg.ReplyMarkup = resultKeyboard()
	}
	r.sendMessage(msg)
}

func (r *Router) SendError(chatID int64, err error) {
	r.send(chatID, "❌ "+present.UserMessage(err))
}

// fetch downloads a Telegram file. Failures are read errors from the user's
// point of view.
func (r *Router) fetch(ctx context.Context, fileID string) ([]byte, error) {
	const op = "telegram.fetch"
	url, err := r.Bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, &diagnosis.Error{Kind: diagnosis.KindRead, Op: op, Err: err}
	}
	b, err := download(ctx, r.httpClient(), url)
	if err != nil {
		return nil, &diagnosis.Error{Kind: diagnosis.KindRead, Op: op, Err: err}
	}
	return b, nil
}

func download(ctx context.Context, c *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDownload {
		return nil, fmt.Errorf("file larger than %d bytes", maxDownload)
	}
	return b, nil
}

func (r *Router) httpClient() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return &http.Client{Timeout: downloadTimeout}
}
