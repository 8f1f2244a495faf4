package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/voiceloop/voiceloop/internal/capture"
	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/history"
	"github.com/voiceloop/voiceloop/internal/metrics"
	"github.com/voiceloop/voiceloop/internal/playback"
	"github.com/voiceloop/voiceloop/internal/transport"
	"github.com/voiceloop/voiceloop/internal/usage"
)

func ProvideCaptureEngine(cfg *Config, logger *slog.Logger) *capture.Engine {
	return capture.NewEngine(capture.NewMalgoDevice(cfg.FrameSamples), capture.Config{
		Threshold:     cfg.VADThreshold,
		SilenceWindow: cfg.VADSilenceWindow,
		FrameSamples:  cfg.FrameSamples,
	}, logger)
}

func ProvidePlaybackEngine(logger *slog.Logger) (*playback.Engine, error) {
	dec, err := playback.NewDecoder()
	if err != nil {
		return nil, err
	}
	return playback.NewEngine(playback.NewMalgoDevice(), dec, logger), nil
}

func ProvideChannel(cfg *Config, logger *slog.Logger) *transport.Channel {
	return transport.NewChannel(transport.Config{
		URL:               cfg.BackendURL,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
	}, logger)
}

func ProvideAggregator(cfg *Config) *metrics.Aggregator {
	return metrics.NewAggregator(cfg.MetricsCapacity)
}

func ProvideController(
	captureEngine *capture.Engine,
	playbackEngine *playback.Engine,
	channel *transport.Channel,
	stats *metrics.Aggregator,
	historyStore *history.Store,
	usageStore *usage.Store,
	logger *slog.Logger,
) *conversation.Controller {
	return conversation.NewController(
		captureEngine,
		playbackEngine,
		channel,
		stats,
		historyStore,
		usageStore,
		logger,
	)
}

// StartPipeline ties engine and transport lifetimes to the application. The
// speaker opens at startup; the microphone only opens on user input. A
// backend that is down at startup is not fatal, the channel keeps retrying.
func StartPipeline(
	lc fx.Lifecycle,
	playbackEngine *playback.Engine,
	channel *transport.Channel,
	controller *conversation.Controller,
	logger *slog.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := playbackEngine.Start(); err != nil {
				return err
			}
			if err := channel.Connect(); err != nil {
				logger.Warn("initial backend connect failed, retrying", "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := controller.Close(); err != nil {
				logger.Warn("controller close failed", "error", err)
			}
			return playbackEngine.Close()
		},
	})
}

var PipelineModule = fx.Options(
	fx.Provide(
		ProvideCaptureEngine,
		ProvidePlaybackEngine,
		ProvideChannel,
		ProvideAggregator,
		ProvideController,
	),
	fx.Invoke(StartPipeline),
)
