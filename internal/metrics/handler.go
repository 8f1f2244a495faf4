package metrics

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/voiceloop/voiceloop/internal/shared"
)

type Handler struct {
	agg    *Aggregator
	logger *slog.Logger
}

func NewHandler(agg *Aggregator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{agg: agg, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.listStats)
	g.GET("/:name", h.getStats)
	g.DELETE("", h.clear)
}

type statsResponse struct {
	Latencies []Stats           `json:"latencies"`
	Counters  map[string]uint64 `json:"counters"`
}

func (h *Handler) listStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{
		Latencies: h.agg.AllStats(),
		Counters:  h.agg.Counters(),
	})
}

func (h *Handler) getStats(c echo.Context) error {
	name := c.Param("name")
	stats, ok := h.agg.Stats(name)
	if !ok {
		return shared.NotFound("metric_not_found", "no samples recorded for "+name)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) clear(c echo.Context) error {
	h.agg.Clear()
	h.logger.Info("metrics cleared")
	return c.NoContent(http.StatusNoContent)
}
