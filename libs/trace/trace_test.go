package trace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestInitTracerWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracer("payments", "test", "")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMiddlewareStartsSpan(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitTracer("payments", "test", ""); err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware("payments"))
	var valid bool
	r.GET("/ping", func(c *gin.Context) {
		valid = oteltrace.SpanContextFromContext(c.Request.Context()).IsValid()
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if !valid {
		t.Fatalf("expected a recording span in the request context")
	}
}

func TestSampleRatioFromEnv(t *testing.T) {
	t.Setenv(SampleRatioEnv, "0.25")
	if got := sampleRatio(); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv(SampleRatioEnv, "7")
	if got := sampleRatio(); got != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", got)
	}
}
