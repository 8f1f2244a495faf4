package bootstrap

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/health"
	"github.com/voiceloop/voiceloop/internal/transport"
)

const version = "1.0.0"

func ProvideHealthHandler(
	db *gorm.DB,
	redisClient *redis.Client,
	channel *transport.Channel,
	controller *conversation.Controller,
) *health.Handler {
	return health.NewHandler(db, redisClient, channel, controller, version)
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
