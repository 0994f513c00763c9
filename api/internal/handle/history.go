package handle

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/present"
)

const maxHistoryLimit = 50

type HistoryItem struct {
	ID             string                   `json:"id"`
	CreatedAt      time.Time                `json:"created_at"`
	Model          string                   `json:"model"`
	Result         diagnosis.AnalysisResult `json:"result"`
	ConfidenceBand present.Band             `json:"confidence_band"`
}

func (h *Handle) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "history is not configured", Kind: string(diagnosis.KindConfiguration)})
		return
	}
	chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "chat_id must be an integer", Kind: "bad_request"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	list, err := h.history.ListByChat(c.Request.Context(), chatID, limit)
	if err != nil {
		log.WithField("chat_id", chatID).WithError(err).Error("history lookup failed")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "history lookup failed", Kind: "internal"})
		return
	}
	items := make([]HistoryItem, 0, len(list))
	for _, d := range list {
		items = append(items, HistoryItem{
			ID:             d.ID.String(),
			CreatedAt:      d.CreatedAt,
			Model:          d.Model,
			Result:         d.Result,
			ConfidenceBand: present.ConfidenceBand(d.Result.ConfidenceScore),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handle) Health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			log.WithError(err).Error("health: db ping failed")
			c.String(http.StatusServiceUnavailable, "db: not ok")
			return
		}
	}
	c.String(http.StatusOK, "ok")
}
