package testlog

import (
	"testing"

	"github.com/danmuck/relayctl/internal/logging"
	logs "github.com/danmuck/smplog"
	"github.com/rs/zerolog"
)

// Start configures test logging once and marks the test boundary.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}

// Logger returns a worker logger that writes through t.Log, so output only
// shows for failing or -v runs.
func Logger(t *testing.T, worker string) *zerolog.Logger {
	t.Helper()
	lg := zerolog.New(zerolog.NewTestWriter(t)).With().Str("test", t.Name()).Str("worker", worker).Logger()
	return &lg
}
