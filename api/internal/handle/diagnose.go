package handle

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/imagecheck"
	"leafdoc/api/internal/imageenc"
	"leafdoc/api/internal/present"
	"leafdoc/api/internal/service"
)

// maxRequestTimeout caps the deadline a caller can ask for.
const maxRequestTimeout = 180 * time.Second

type DiagnoseRequest struct {
	ImageB64 string `json:"image_b64"`
	MIMEType string `json:"mime_type"`
	ChatID   int64  `json:"chat_id"`
}

type DiagnoseResponse struct {
	ID             string                   `json:"id"`
	Result         diagnosis.AnalysisResult `json:"result"`
	ConfidenceBand present.Band             `json:"confidence_band"`
	Cached         bool                     `json:"cached"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *Handle) Diagnose(c *gin.Context) {
	var req DiagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.WithError(err).Warn("diagnose: bad request body")
		c.JSON(http.StatusBadRequest, errorBody{Error: "request body must be a JSON object with image_b64", Kind: string(diagnosis.KindRead)})
		return
	}
	if strings.TrimSpace(req.ImageB64) == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "image_b64 is required", Kind: string(diagnosis.KindRead)})
		return
	}
	data, hint, err := imageenc.DecodeBase64MaybeDataURL(req.ImageB64)
	if err != nil {
		writeError(c, &diagnosis.Error{Kind: diagnosis.KindRead, Op: "handle.Diagnose", Err: err})
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	out, err := h.svc.Diagnose(ctx, service.Input{
		ChatID:   req.ChatID,
		Data:     data,
		MIMEType: imageenc.PickMIME(req.MIMEType, hint, nil),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	res := out.Diagnosis.Result
	c.JSON(http.StatusOK, DiagnoseResponse{
		ID:             out.Diagnosis.ID.String(),
		Result:         res,
		ConfidenceBand: present.ConfidenceBand(res.ConfidenceScore),
		Cached:         out.Cached,
	})
}

// requestContext applies the caller's deadline from the X-Request-Timeout
// header or the timeoutSec query parameter, both in seconds.
func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	raw := strings.TrimSpace(c.GetHeader("X-Request-Timeout"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("timeoutSec"))
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	d := time.Duration(n) * time.Second
	if d > maxRequestTimeout {
		d = maxRequestTimeout
	}
	return context.WithTimeout(c.Request.Context(), d)
}

func writeError(c *gin.Context, err error) {
	status, kind := statusFor(err)
	c.JSON(status, errorBody{Error: present.UserMessage(err), Kind: kind})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, imagecheck.ErrEmpty),
		errors.Is(err, imagecheck.ErrTooLarge),
		errors.Is(err, imagecheck.ErrUnsupported),
		errors.Is(err, imagecheck.ErrUndecodable):
		return http.StatusBadRequest, "invalid_image"
	}

	k := diagnosis.KindOf(err)
	switch k {
	case diagnosis.KindRead:
		return http.StatusBadRequest, string(k)
	case diagnosis.KindConfiguration:
		return http.StatusServiceUnavailable, string(k)
	case diagnosis.KindEmptyResponse, diagnosis.KindMalformedResponse, diagnosis.KindSchemaViolation, diagnosis.KindNetwork:
		return http.StatusBadGateway, string(k)
	case diagnosis.KindTimeout:
		return http.StatusGatewayTimeout, string(k)
	default:
		return http.StatusInternalServerError, "internal"
	}
}
