package logging

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
)

// Setup configures the global apex logger. format is "json" or "text".
func Setup(level, format string) {
	if strings.EqualFold(format, "json") {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.Warnf("logging: unknown level %q, using info", level)
		return
	}
	log.SetLevel(lvl)
}
