package interfaces

import (
	"context"

	"kite-marketfeed/internal/types"
)

// Feed is the consumer-facing market data service.
type Feed interface {
	Subscribe(ctx context.Context, req types.SubscribeRequest) error
	SubscribeMany(ctx context.Context, reqs []types.SubscribeRequest) error
	Unsubscribe(ctx context.Context, symbol, consumerID string) error
	Status() types.Status
	Close(ctx context.Context) error
}

// Resolver maps a human symbol to the broker's instrument.
type Resolver interface {
	Resolve(ctx context.Context, symbol string) (types.Instrument, error)
}

// InstrumentSource produces the bulk instrument list.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]types.Instrument, error)
}

// TickObserver sees every tick after it has been fanned out to callbacks.
type TickObserver interface {
	ObserveTick(ctx context.Context, obs types.TickObservation)
}

// Releaser is told when no subscription needs token on purpose any more.
type Releaser interface {
	Release(ctx context.Context, token uint32, purpose types.Purpose) error
}
