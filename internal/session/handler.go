package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/voice-relay/internal/shared"
)

type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metrics", h.GetMetrics)
	g.GET("/metrics/summary", h.GetSummary)
	g.GET("/sessions/active", h.ListActive)
	g.GET("/sessions/:id", h.GetSession)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	hours := 24
	if hoursStr := c.QueryParam("hours"); hoursStr != "" {
		if hr, err := strconv.Atoi(hoursStr); err == nil && hr > 0 && hr <= 168 {
			hours = hr
		}
	}

	metrics, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}
	if metrics == nil {
		metrics = []*Metrics{}
	}

	return c.JSON(http.StatusOK, MetricsListResponse{
		Hours:   hours,
		Metrics: metrics,
	})
}

func (h *Handler) GetSummary(c echo.Context) error {
	metrics, err := h.store.GetMetricsForLast7Days(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to get metrics summary", "error", err)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}

	return c.JSON(http.StatusOK, summarize(metrics))
}

func summarize(metrics []*Metrics) SummaryResponse {
	summary := SummaryResponse{Period: "7d"}

	var totalLatency, latencyCount, errorCount int64
	for _, m := range metrics {
		summary.TotalSessions += m.Sessions
		summary.FailedSessions += m.FailedSessions
		summary.TotalTurns += m.Turns
		summary.AudioChunks += m.AudioChunks
		errorCount += m.ErrorCount

		if m.AvgLatencyMs > 0 {
			totalLatency += m.AvgLatencyMs
			latencyCount++
		}
	}

	if latencyCount > 0 {
		summary.AvgLatencyMs = totalLatency / latencyCount
	}
	if attempts := summary.TotalTurns + errorCount; attempts > 0 {
		summary.ErrorRate = float64(errorCount) / float64(attempts) * 100
	}
	return summary
}

func (h *Handler) ListActive(c echo.Context) error {
	sessions, err := h.store.ListActive(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		return shared.InternalError("list_failed", "failed to list sessions")
	}

	return c.JSON(http.StatusOK, ActiveSessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

func (h *Handler) GetSession(c echo.Context) error {
	id := c.Param("id")

	sess, err := h.store.GetSession(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("session_not_found", "session not found")
		}
		h.logger.Error("failed to get session", "error", err, "session_id", id)
		return shared.InternalError("get_failed", "failed to get session")
	}

	return c.JSON(http.StatusOK, sess)
}
