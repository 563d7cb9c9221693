package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/stagekit/stagekit/pkg/channels/gochannel"
	"github.com/stagekit/stagekit/pkg/channels/kafka"
	"github.com/stagekit/stagekit/pkg/eventbus"
)

// NewEventBus creates the lifecycle event bus for the given provider. The
// in-process gochannel transport is the default; kafka mirrors events to an
// external broker and needs KAFKA_BROKERS set.
func NewEventBus(provider string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		publisher, subscriber, err := kafka.CreateChannel(wmLogger, "stagekit")
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(publisher, subscriber), nil
	case "", "gochannel":
		publisher, subscriber, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(publisher, subscriber), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}
