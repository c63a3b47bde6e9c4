package observability

import (
	"github.com/danmuck/gymctl/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger builds the process logger for a CLI entry point. Sessions and
// workers get their own loggers derived from the returned one.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	return logging.New(logging.FromEnv(cfg), "").With().Str("app", app).Logger()
}
