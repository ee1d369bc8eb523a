package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logs "github.com/danmuck/smplog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordFrame("p1_p2", "stream", DirectionSent)
	RecordTransportError("p1_p2", "stream", "dial")
	RecordWorkerRun("p1", nil, 12*time.Millisecond)
	RecordWorkerRun("p2", errors.New("boom"), 24*time.Millisecond)
	RecordPhase("p1", "computing")
	RecordNotification("p4")

	logs.Infof("observability/metrics: registration idempotent and recording paths executed")
}

func TestMetricsHandlerExposesRelayMetrics(t *testing.T) {
	RecordFrame("p2_p3", "datagram", DirectionReceived)

	rr := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "relayctl_transport_frames_total") {
		t.Fatalf("frames metric missing from exposition")
	}
}
