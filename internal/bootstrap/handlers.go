package bootstrap

import (
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/voiceloop/voiceloop/internal/control"
	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/history"
	"github.com/voiceloop/voiceloop/internal/metrics"
	"github.com/voiceloop/voiceloop/internal/transport"
	"github.com/voiceloop/voiceloop/internal/usage"
)

type HandlerParams struct {
	fx.In

	ControlHandler *control.Handler
	MetricsHandler *metrics.Handler
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")

	params.ControlHandler.RegisterRoutes(api.Group("/pipeline"))
	params.MetricsHandler.RegisterRoutes(api.Group("/metrics"))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideControlHandler(
	controller *conversation.Controller,
	channel *transport.Channel,
	historyStore *history.Store,
	usageStore *usage.Store,
	logger *slog.Logger,
) *control.Handler {
	return control.NewHandler(controller, channel, historyStore, usageStore, logger.With("handler", "control"))
}

func ProvideMetricsHandler(agg *metrics.Aggregator, logger *slog.Logger) *metrics.Handler {
	return metrics.NewHandler(agg, logger.With("handler", "metrics"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideControlHandler,
		ProvideMetricsHandler,
	),
	fx.Invoke(RegisterRoutes),
)
