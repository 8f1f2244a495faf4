package bootstrap

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/voiceloop/voiceloop/internal/history"
	"github.com/voiceloop/voiceloop/internal/usage"
)

func ProvideHistoryStore(db *gorm.DB) *history.Store {
	return history.NewStore(db)
}

func ProvideUsageStore(redisClient *redis.Client) *usage.Store {
	return usage.NewStore(redisClient)
}

func RunMigrations(historyStore *history.Store) error {
	return historyStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideHistoryStore,
		ProvideUsageStore,
	),
	fx.Invoke(RunMigrations),
)
