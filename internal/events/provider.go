package events

import (
	"fmt"
	"strings"

	"github.com/wskish/discobot/internal/common/config"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/events/bus"
	"github.com/wskish/discobot/internal/store"
)

// Provide builds the Broker, wiring in a NATS hint transport when
// NATS_URL is configured and no hint transport otherwise. The returned
// cleanup closes the transport; the broker itself is stopped by the
// caller.
func Provide(cfg *config.Config, s store.Store, log *logger.Logger) (*Broker, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event transport: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return NewBroker(s, natsBus, log), cleanup, nil
	}

	// Single-process deployments don't need a hint transport at all: the
	// broker's direct delivery covers in-process subscribers and the
	// poller is only a safety net.
	return NewBroker(s, nil, log), func() error { return nil }, nil
}
