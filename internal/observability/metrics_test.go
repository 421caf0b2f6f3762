package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/taskman/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("root", "GET", "/health", 200, 12*time.Millisecond)
	RecordWorkerRequest("stringgen", "user", OutcomeOK, 3*time.Millisecond)
	RecordWorkerRestart("stringgen", "crash")
	RecordWorkerExit("stringgen", ExitCrash)
	RecordProtocolAnomaly("stringgen", "unknown_id")
	SetWorkerPending("stringgen", 2)

	if got := testutil.ToFloat64(workerPending.WithLabelValues("stringgen")); got != 2 {
		t.Fatalf("pending gauge: got %v", got)
	}
	before := testutil.ToFloat64(workerRestarts.WithLabelValues("stringgen", "crash"))
	RecordWorkerRestart("stringgen", "crash")
	if got := testutil.ToFloat64(workerRestarts.WithLabelValues("stringgen", "crash")); got != before+1 {
		t.Fatalf("restart counter: got %v want %v", got, before+1)
	}
}

func TestRequestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestMetricsMiddleware("mw-node"))
	router.GET("/workers/:name", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workers/relay", nil))
	}

	got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-node", "GET", "/workers/:name", "204"))
	if got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}
}

func TestRequestIDReusesOrGenerates(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	router.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "abc-123" || rec.Body.String() != "abc-123" {
		t.Fatalf("expected caller id to be kept, got header %q body %q", rec.Header().Get(RequestIDHeader), rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if len(rec.Header().Get(RequestIDHeader)) != 36 {
		t.Fatalf("expected generated uuid, got %q", rec.Header().Get(RequestIDHeader))
	}
}
