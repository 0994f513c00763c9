package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"leafdoc/api/internal/config"
	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/handle"
	"leafdoc/api/internal/logging"
	"leafdoc/api/internal/metrics"
	"leafdoc/api/internal/service"
	"leafdoc/api/internal/store"
)

// purgeEvery is how often diagnoses older than the cache TTL are removed.
const purgeEvery = time.Hour

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	metrics.Register()
	gin.SetMode(gin.ReleaseMode)

	if cfg.GeminiAPIKey == "" {
		log.Warn("GEMINI_API_KEY is not set; /v1/diagnose will answer 503")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := diagnosis.New(diagnosis.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		Timeout: cfg.GeminiTimeout,
	})
	opts := service.Options{MaxImageBytes: cfg.MaxImageBytes, CacheTTL: cfg.CacheTTL}

	var h *handle.Handle
	if cfg.DatabaseDSN != "" {
		db, err := store.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.WithError(err).Fatal("db connect failed")
		}
		defer db.Close()
		repo := store.NewDiagnosisRepo(db)
		if err := repo.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("db migrate failed")
		}
		log.Infof("db connected: %s", config.SafeDSNSummary(cfg.DatabaseDSN))
		go purgeLoop(ctx, repo, cfg.CacheTTL)

		h = handle.New(service.New(client, repo, opts), repo, db)
	} else {
		log.Info("no database configured; running without cache and history")
		h = handle.New(service.New(client, nil, opts), nil, nil)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handle.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("leafdoc api listening on %s (model %s)", srv.Addr, client.Model())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
}

func purgeLoop(ctx context.Context, repo *store.DiagnosisRepo, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeOlderThan(ctx, ttl)
			if err != nil {
				log.WithError(err).Warn("purge failed")
				continue
			}
			if n > 0 {
				log.WithField("rows", n).Info("purged stale diagnoses")
			}
		}
	}
}
