package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterTwiceIsSafe(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)
	Register(registry)

	RequestCount.WithLabelValues("GET", "/orders", "OK").Inc()

	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("expected request counter in output")
	}
}
