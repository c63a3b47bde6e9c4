package testlog

import (
	"testing"

	"github.com/danmuck/gymctl/internal/logging"
	"github.com/rs/zerolog"
)

// Start returns a debug logger that writes through t.Log.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	cfg := logging.DefaultConfig(logging.ProfileTest)
	cfg.Output = zerolog.NewTestWriter(t)
	logger := logging.New(cfg, "test")
	logger.Info().Str("test", t.Name()).Msg("start")
	return logger
}
