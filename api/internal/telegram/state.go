package telegram

import (
	"time"

	"leafdoc/api/internal/metrics"
)

const (
	historyLimit = 5
	maxResultLen = 3900
	// Bot API serves files up to 20 MB.
	maxDownload     = 20 << 20
	downloadTimeout = 60 * time.Second
)

// begin marks chatID busy. It returns false if an analysis is already running
// for that chat.
func (r *Router) begin(chatID int64) bool {
	if _, busy := r.inFlight.LoadOrStore(chatID, struct{}{}); busy {
		return false
	}
	metrics.TelegramInFlight.Inc()
	return true
}

func (r *Router) end(chatID int64) {
	r.inFlight.Delete(chatID)
	metrics.TelegramInFlight.Dec()
}
