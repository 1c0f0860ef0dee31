package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/rs/zerolog"
)

// ErrUnsupportedDriver is returned by Open for an unknown driver name.
var ErrUnsupportedDriver = errors.New("unsupported store driver")

// Store is the append-only event history of every agent.
type Store interface {
	// AppendMany persists events tagged with agentID, in order.
	AppendMany(ctx context.Context, agentID string, evs []events.ScoredEvent) error
	// QueryRecent returns up to limit events for agentID, newest first.
	// Events with equal timestamps are returned latest-appended first.
	QueryRecent(ctx context.Context, agentID string, limit int) ([]events.ScoredEvent, error)
	Close(ctx context.Context) error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Info().Msg("Using in-memory event store")
		return NewMemoryStore(), nil
	case config.StoreMongo:
		return NewMongoStore(ctx, cfg, logger)
	case config.StoreRedis:
		return NewRedisStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}
