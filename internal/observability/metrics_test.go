package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("sink-a", "PUT", "/tool-data/:hash/:host", 200, 12*time.Millisecond)
	RecordPublish("tool-meister-chan")
	SetSubscribers("tool-meister-chan", 3)
	RecordDelivery("h1", "accepted", 2048)
	RecordPhaseReport("tm", "start", true)
}

func TestMountServesMetrics(t *testing.T) {
	testlog.Start(t)
	e := echo.New()
	Mount(e, "sink-a", ServiceLogger("test"))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolmeister_http_requests_total") {
		t.Fatalf("request counter missing from /metrics")
	}
}
