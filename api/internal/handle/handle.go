package handle

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leafdoc/api/internal/service"
	"leafdoc/api/internal/store"
)

type Diagnoser interface {
	Diagnose(ctx context.Context, in service.Input) (service.Outcome, error)
}

type HistoryLister interface {
	ListByChat(ctx context.Context, chatID int64, limit int) ([]store.Diagnosis, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handle struct {
	svc     Diagnoser
	history HistoryLister
	db      Pinger
}

// New builds the HTTP handlers. history and db may be nil when the service
// runs without a database.
func New(svc Diagnoser, history HistoryLister, db Pinger) *Handle {
	return &Handle{svc: svc, history: history, db: db}
}

// Register mounts every route on r.
func (h *Handle) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/diagnose", h.Diagnose)
		v1.GET("/diagnoses", h.History)
	}
}

// NewRouter returns a gin engine with recovery, request logging and all routes.
func NewRouter(h *Handle) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h.Register(r)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/metrics" {
			return
		}
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"took":   time.Since(start).String(),
		}).Info("http request")
	}
}
