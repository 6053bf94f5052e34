package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/tasks", http.MethodPost, http.StatusAccepted, 20*time.Millisecond)
	ObserveHTTPRequest("/api/tasks", http.MethodPost, http.StatusInternalServerError, time.Second)
	Pool().SetPoolSize(3)
	Pool().IncPoolReleased("idle")
	Hub().SetConnections(2)
	Hub().IncClosed("heartbeat")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`agentserver_http_requests_total{code="202",handler="/api/tasks",method="POST"} 1`,
		`agentserver_http_request_errors_total{handler="/api/tasks",method="POST"} 1`,
		`agentserver_pool_slots 3`,
		`agentserver_pool_released_total{reason="idle"} 1`,
		`agentserver_ws_connections 2`,
		`agentserver_ws_closed_total{reason="heartbeat"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
