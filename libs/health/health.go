package health

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Manager tracks process readiness. When a gRPC health server is attached
// every readiness change is mirrored to it so both probes agree.
type Manager struct {
	ready atomic.Bool

	mu      sync.Mutex
	grpc    *health.Server
	service string
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	m.ready.Store(initialReady)
	return m
}

// AttachGRPC mirrors readiness onto srv for the named service.
func (m *Manager) AttachGRPC(srv *health.Server, service string) {
	m.mu.Lock()
	m.grpc = srv
	m.service = service
	m.mu.Unlock()
	m.sync(m.IsReady())
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
	m.sync(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) sync(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grpc == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.grpc.SetServingStatus(m.service, status)
	m.grpc.SetServingStatus("", status)
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	}
}
