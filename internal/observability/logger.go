package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process logger. It writes to stderr so stdout only
// carries prompts, results and observer lines.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Int("pid", os.Getpid()).Logger()
	log.Logger = logger
	return logger
}

// WorkerLogger scopes the global logger to one worker.
func WorkerLogger(worker string) zerolog.Logger {
	return log.Logger.With().Str("worker", worker).Logger()
}

// NopLogger discards everything; tests use it to keep output readable.
func NopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
