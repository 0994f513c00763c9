package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leafdoc/api/internal/config"
	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/handle"
	"leafdoc/api/internal/logging"
	"leafdoc/api/internal/metrics"
	"leafdoc/api/internal/service"
	"leafdoc/api/internal/store"
	"leafdoc/api/internal/telegram"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	metrics.Register()

	if cfg.TelegramBotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is not set")
	}
	if cfg.GeminiAPIKey == "" {
		log.Warn("GEMINI_API_KEY is not set; every diagnosis will fail with a configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres (optional) ---
	var (
		db   *sql.DB
		repo *store.DiagnosisRepo
	)
	if cfg.DatabaseDSN != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			log.WithError(err).Fatal("db connect failed")
		}
		defer db.Close()
		repo = store.NewDiagnosisRepo(db)
		if err := repo.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("db migrate failed")
		}
		log.Infof("db connected: %s", config.SafeDSNSummary(cfg.DatabaseDSN))
	} else {
		log.Info("no database configured; running without cache and history")
	}

	client := diagnosis.New(diagnosis.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		Timeout: cfg.GeminiTimeout,
	})
	svc := service.New(client, repoOrNil(repo), service.Options{
		MaxImageBytes: cfg.MaxImageBytes,
		CacheTTL:      cfg.CacheTTL,
	})

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.WithError(err).Fatal("telegram auth failed")
	}
	bot.Debug = false
	log.Infof("authorized as @%s", bot.Self.UserName)

	r := &telegram.Router{Bot: bot, Diagnoser: svc, Ctx: ctx}
	if repo != nil {
		r.History = repo
	}

	// DefaultServeMux so that ListenForWebhook registers on the same server.
	var pinger handle.Pinger
	if db != nil {
		pinger = db
	}
	ops := handle.NewRouter(handle.New(svc, nil, pinger))
	http.Handle("/healthz", ops)
	http.Handle("/metrics", ops)

	addr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{Addr: addr}

	if webhookURL := strings.TrimSpace(cfg.WebhookURL); webhookURL != "" {
		startWebhookMode(ctx, srv, bot, r, webhookURL)
	} else {
		startPollingMode(ctx, srv, bot, r)
	}

	log.Info("waiting for running analyses")
	r.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// repoOrNil keeps a nil *DiagnosisRepo from becoming a non-nil interface.
func repoOrNil(repo *store.DiagnosisRepo) service.Repo {
	if repo == nil {
		return nil
	}
	return repo
}

// ---------------- Modes -----------------

func startWebhookMode(ctx context.Context, srv *http.Server, bot *tgbotapi.BotAPI, r *telegram.Router, baseURL string) {
	// secret path derived from the token
	path := "/webhook/" + shortHash(bot.Token)
	public := strings.TrimRight(baseURL, "/") + path

	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		log.WithError(err).Fatal("webhook config")
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		log.WithError(err).Fatal("set webhook")
	}

	updates := bot.ListenForWebhook(path)
	go func() {
		for upd := range updates {
			r.HandleUpdate(upd)
		}
		log.Info("webhook updates channel closed")
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Infof("health server listening on %s/healthz", srv.Addr)
	log.Infof("webhook listening on %s%s", srv.Addr, path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

func startPollingMode(ctx context.Context, srv *http.Server, bot *tgbotapi.BotAPI, r *telegram.Router) {
	go func() {
		log.Infof("health server listening on %s/healthz", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	// a bot that was in webhook mode before keeps getting 409 until it is removed
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		log.WithError(err).Warn("delete webhook failed")
	}
	runPolling(ctx, bot, r.HandleUpdate)
}

// ---------------- Polling loop -----------------

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") {
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return 1 * time.Second
}

type updatesGetter interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

func runPolling(ctx context.Context, bot updatesGetter, handle func(tgbotapi.Update)) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info("polling: context cancelled")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30

		updates, err := bot.GetUpdates(u)
		if err != nil {
			d := retryDelayFromError(err)
			if d < baseDelay {
				d = baseDelay
			}
			if d > maxDelay {
				d = maxDelay
			}
			log.WithError(err).Warnf("polling error; retry in %v", d)
			sleep(ctx, d)
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handle(upd)
		}

		if len(updates) == 0 {
			sleep(ctx, 200*time.Millisecond)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ---------------- Helpers -----------------

// shortHash is FNV-1a as 16 hex chars. Not cryptographic, only stable per token.
func shortHash(s string) string {
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xF]
		h >>= 4
	}
	return string(out)
}
