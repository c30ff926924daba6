package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Probe status values.
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
	StatusAlive    = "alive"
	StatusNotAlive = "not_alive"
)

// HealthStatus represents the health status of the application
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    int64     `json:"uptime_seconds,omitempty"`
}

// HealthChecker manages health check state
type HealthChecker struct {
	ready     atomic.Bool
	live      atomic.Bool
	check     atomic.Pointer[func() bool]
	startTime time.Time
	version   string
	logger    *slog.Logger
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *slog.Logger, version string) *HealthChecker {
	hc := &HealthChecker{
		startTime: time.Now(),
		version:   version,
		logger:    logger,
	}
	// live by default, ready only once SetReady(true) is called
	hc.live.Store(true)
	hc.ready.Store(false)
	return hc
}

// SetReady marks the service as ready to accept traffic
func (hc *HealthChecker) SetReady(ready bool) {
	hc.ready.Store(ready)
	if ready {
		hc.logger.Info("Service marked as ready")
	} else {
		hc.logger.Warn("Service marked as not ready")
	}
}

// SetReadinessCheck adds a condition that must also hold for the service to
// report ready, typically the event processor's Accepting.
func (hc *HealthChecker) SetReadinessCheck(check func() bool) {
	hc.check.Store(&check)
}

// SetLive marks the service as alive
func (hc *HealthChecker) SetLive(live bool) {
	hc.live.Store(live)
	if !live {
		hc.logger.Error("Service marked as not alive")
	}
}

func (hc *HealthChecker) IsReady() bool {
	if !hc.ready.Load() {
		return false
	}
	if check := hc.check.Load(); check != nil && *check != nil {
		return (*check)()
	}
	return true
}

func (hc *HealthChecker) IsLive() bool {
	return hc.live.Load()
}

func (hc *HealthChecker) write(w http.ResponseWriter, ok bool, up, down string) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthStatus{Status: down, Timestamp: time.Now()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthStatus{
		Status:    up,
		Timestamp: time.Now(),
		Version:   hc.version,
		Uptime:    int64(time.Since(hc.startTime).Seconds()),
	})
}

// ReadinessHandler handles readiness probe requests
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hc.write(w, hc.IsReady(), StatusReady, StatusNotReady)
	}
}

// LivenessHandler handles liveness probe requests
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hc.write(w, hc.IsLive(), StatusAlive, StatusNotAlive)
	}
}
