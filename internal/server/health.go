package server

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health is the /health response body.
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// HandleHealth reports each dependency. Degraded still answers 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	status := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// HandleReady answers 200 once the database (when configured) responds.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "not_ready",
				"message": "database unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// HandleLive always answers while the process runs.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  s.now().UTC(),
		Version:    s.cfg.Build.Version,
		Commit:     s.cfg.Build.Commit,
		Components: make(map[string]ComponentHealth),
	}

	if s.cfg.DB != nil {
		health.Components["database"] = s.checkDatabaseHealth(ctx)
	}
	if s.cfg.Storage != nil {
		health.Components["storage"] = s.checkStorageHealth(ctx)
	}
	if s.cfg.Breaker != nil {
		health.Components["storage_breaker"] = s.checkBreaker()
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.cfg.DB.PingContext(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "database ping failed: " + err.Error()}
	}
	latency := time.Since(start).Milliseconds()

	stats := s.cfg.DB.Stats()
	details := map[string]any{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}

	status, message := ComponentStatusUp, "database healthy"
	if latency > 1000 {
		status, message = ComponentStatusDegraded, "database latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency), Details: details}
}

func (s *Server) checkStorageHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.cfg.Storage.Ping(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "object storage unreachable: " + err.Error()}
	}
	latency := time.Since(start).Milliseconds()

	status, message := ComponentStatusUp, "object storage healthy"
	if latency > 2000 {
		status, message = ComponentStatusDegraded, "object storage latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency)}
}

// An open breaker means storage is failing fast, which is degraded rather
// than down: metadata endpoints still work.
func (s *Server) checkBreaker() ComponentHealth {
	stats := s.cfg.Breaker.Stats()
	status := ComponentStatusUp
	if stats.State != "closed" {
		status = ComponentStatusDegraded
	}
	return ComponentHealth{Status: status, Message: "circuit " + stats.State, Details: stats}
}

func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var down, degraded int
	for _, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			down++
		case ComponentStatusDegraded:
			degraded++
		}
	}
	switch {
	case down > 0:
		return HealthStatusUnhealthy
	case degraded > 0:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}
