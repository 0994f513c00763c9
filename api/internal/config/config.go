package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	WebhookURL string
	LogLevel   string
	LogFormat  string

	TelegramBotToken string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiTimeout time.Duration

	DatabaseDSN string

	MaxImageBytes int64
	CacheTTL      time.Duration
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		log.Warnf("config: bad %s=%q, using %d", k, v, def)
		return def
	}
	return n
}

// Load reads .env (if present) and the process environment. A missing Gemini
// key is not an error here; the diagnosis client reports it per call.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:       getEnv("PORT", "8080"),
		WebhookURL: getEnv("WEBHOOK_URL", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTimeout: time.Duration(getInt("GEMINI_TIMEOUT_SEC", 45)) * time.Second,

		DatabaseDSN: resolveDSN(),

		MaxImageBytes: getInt("MAX_IMAGE_BYTES", 10<<20),
		CacheTTL:      time.Duration(getInt("CACHE_TTL_HOURS", 24)) * time.Hour,
	}
}

// resolveDSN prefers DATABASE_URL, then builds one from POSTGRES_*/PG* vars.
// It returns "" when neither a URL nor a password is configured, which runs
// the service without persistence.
func resolveDSN() string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	if pass == "" {
		return ""
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "leafdoc"), pass),
		Host:     net.JoinHostPort(getEnv("PGHOST", "db"), getEnv("PGPORT", "5432")),
		Path:     "/" + getEnv("POSTGRES_DB", "leafdoc"),
		RawQuery: "sslmode=" + getEnv("PGSSLMODE", "disable"),
	}
	return u.String()
}

// SafeDSNSummary describes a DSN without its password.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	host, port := u.Host, ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	s := "host=" + host
	if port != "" {
		s += " port=" + port
	}
	return s + " db=" + db + " user=" + u.User.Username()
}
