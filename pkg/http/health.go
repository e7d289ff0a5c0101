package http

import (
	"net/http"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/version"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines    int    `json:"goroutines"`
	MemoryMB      uint64 `json:"memory_mb"`
	CPUCount      int    `json:"cpu_count"`
	Registrations int    `json:"registrations"`
	Secrets       int    `json:"secrets"`
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	if s.registrar != nil {
		health.Checks["registrar"] = CheckResult{Status: "healthy", Message: "Registrar is running"}
		health.System.Registrations = s.registrar.Count()
	} else {
		health.Checks["registrar"] = CheckResult{Status: "unhealthy", Message: "Registrar not initialized"}
		health.Status = "unhealthy"
	}

	switch {
	case s.keys == nil:
		health.Checks["key_ring"] = CheckResult{Status: "unhealthy", Message: "Key ring not initialized"}
		health.Status = "unhealthy"
	case s.keys.Len() == 0 && !s.clustered:
		health.Checks["key_ring"] = CheckResult{Status: "unhealthy", Message: "Key ring has no secrets"}
		health.Status = "unhealthy"
	case s.keys.Len() == 0:
		health.Checks["key_ring"] = CheckResult{Status: "healthy", Message: "Clustered node, tokens are not signed"}
	default:
		health.Checks["key_ring"] = CheckResult{Status: "healthy", Message: "Flow token secrets loaded"}
		health.System.Secrets = s.keys.Len()
	}

	if s.flowHub != nil && s.flowHub.IsRunning() {
		health.Checks["websocket"] = CheckResult{Status: "healthy", Message: "WebSocket hub is running"}
	} else {
		health.Checks["websocket"] = CheckResult{Status: "degraded", Message: "WebSocket hub not running"}
		if health.Status == "healthy" {
			health.Status = "degraded"
		}
	}

	if s.amqpClient != nil {
		if s.amqpClient.IsConnected() {
			health.Checks["amqp"] = CheckResult{Status: "healthy", Message: "AMQP connected"}
		} else {
			health.Checks["amqp"] = CheckResult{Status: "degraded", Message: "AMQP disconnected"}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"system":   health.System,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// LivenessHandler handles kubernetes liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReadinessHandler handles kubernetes readiness probe
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := s.registrar != nil && s.keys != nil && (s.keys.Len() > 0 || s.clustered)

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}
