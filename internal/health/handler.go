package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/voice-relay/internal/voicesession"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type SessionStats struct {
	ActiveSessions    int `json:"active_sessions"`
	ActiveConnections int `json:"active_connections"`
}

type RequestStats struct {
	TotalRequests    uint64 `json:"total_requests"`
	InFlightRequests int64  `json:"in_flight_requests"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionsResponse struct {
	Total    int                   `json:"total"`
	Sessions []voicesession.Status `json:"sessions"`
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SessionLister interface {
	SessionCount() int
	ListSessions() []voicesession.Status
}

type ConnectionCounter interface {
	Count() int
}

// Providers reports which upstream providers have credentials configured.
type Providers struct {
	Transcription bool
	Generation    bool
	Synthesis     bool
}

type Config struct {
	Store       Pinger
	Sessions    SessionLister
	Connections ConnectionCounter
	Providers   Providers
	Version     string
}

type Handler struct {
	store       Pinger
	sessions    SessionLister
	connections ConnectionCounter
	providers   Providers
	version     string
	startTime   time.Time

	totalRequests    uint64
	inFlightRequests int64
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		connections: cfg.Connections,
		providers:   cfg.Providers,
		version:     cfg.Version,
		startTime:   time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementInFlight() {
	atomic.AddInt64(&h.inFlightRequests, 1)
}

func (h *Handler) DecrementInFlight() {
	atomic.AddInt64(&h.inFlightRequests, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Check runs every component check in parallel and returns the overall
// status along with each component's result.
func (h *Handler) Check(ctx context.Context) (Status, map[string]ComponentStatus) {
	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []struct {
		name  string
		check func(context.Context) ComponentStatus
	}{
		{"redis", h.checkStore},
		{"stt", h.credentialCheck(h.providers.Transcription, "stt api key not configured")},
		{"llm", h.credentialCheck(h.providers.Generation, "llm api key not configured")},
		{"tts", h.credentialCheck(h.providers.Synthesis, "tts api key not configured")},
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	return computeOverallStatus(components), components
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	overallStatus, components := h.Check(ctx)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Sessions: h.sessionStats(),
			Requests: RequestStats{
				TotalRequests:    atomic.LoadUint64(&h.totalRequests),
				InFlightRequests: atomic.LoadInt64(&h.inFlightRequests),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) Sessions(c echo.Context) error {
	sessions := []voicesession.Status{}
	if h.sessions != nil {
		sessions = append(sessions, h.sessions.ListSessions()...)
	}

	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) sessionStats() SessionStats {
	var stats SessionStats
	if h.sessions != nil {
		stats.ActiveSessions = h.sessions.SessionCount()
	}
	if h.connections != nil {
		stats.ActiveConnections = h.connections.Count()
	}
	return stats
}

func (h *Handler) checkStore(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.store == nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "redis not configured",
		}
	}

	if err := h.store.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (h *Handler) credentialCheck(configured bool, missing string) func(context.Context) ComponentStatus {
	return func(context.Context) ComponentStatus {
		if !configured {
			return ComponentStatus{Status: StatusUnhealthy, Error: missing}
		}
		return ComponentStatus{Status: StatusHealthy}
	}
}

// computeOverallStatus treats redis as critical; a missing provider only
// degrades the relay.
func computeOverallStatus(components map[string]ComponentStatus) Status {
	criticalComponents := []string{"redis"}

	for _, name := range criticalComponents {
		if status, ok := components[name]; ok && status.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}

	return StatusHealthy
}
