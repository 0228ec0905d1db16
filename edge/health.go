package edge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheck is one named liveness/readiness probe a HealthHandler runs on
// demand, grounded on an api/handlers.HealthCheck-style interface.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the /ready response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one HealthCheck's outcome.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler serves /health, /healthz, and /ready for the edge listener.
// Its checks are whatever callers add through RegisterCheck (exposed on the
// edge Server as RegisterHealthCheck); NewServer registers none of its own.
type HealthHandler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]CheckResult)}
	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		result := CheckResult{Status: "pass", Latency: time.Since(start).String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false
			h.logger.Warn("health check failed", zap.String("check", check.Name()), zap.Error(err))
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// UpstreamHealthCheck reports whether serverID's upstream connection is up,
// grounded on a DatabaseHealthCheck/RedisHealthCheck pattern of wrapping a
// single ping func in a named HealthCheck.
type UpstreamHealthCheck struct {
	serverID string
	ping     func(ctx context.Context) error
}

func NewUpstreamHealthCheck(serverID string, ping func(ctx context.Context) error) *UpstreamHealthCheck {
	return &UpstreamHealthCheck{serverID: serverID, ping: ping}
}

func (c *UpstreamHealthCheck) Name() string                     { return "upstream:" + c.serverID }
func (c *UpstreamHealthCheck) Check(ctx context.Context) error { return c.ping(ctx) }
