package common

import "context"

// Credentials is the decrypted API key/secret pair. An ActionExecutor run
// holds one for that run only; the Coordinator also resolves one at
// StartMonitoring and the client's feed subscription keeps it until the
// subscription closes.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Subscription is returned by StreamAccount; Close cancels it.
type Subscription interface {
	Close() error
}

// StreamSink receives streaming balance/order updates until the
// subscription is closed or disconnects (in which case Disconnected is
// called exactly once).
type StreamSink interface {
	OnBalance(total, available float64)
	Disconnected(err error)
}

// Adapter is the per-venue ExchangeAdapter capability set (spec §4.1).
// Implementations are the only components that know venue-specific
// symbol formats and signature schemes.
type Adapter interface {
	GetBalance(ctx context.Context, creds Credentials) (Balance, error)
	GetOpenPositions(ctx context.Context, creds Credentials) ([]Position, error)
	PlaceOrder(ctx context.Context, creds Credentials, spec OrderSpec) (OrderResult, error)
	CancelAllOrders(ctx context.Context, creds Credentials, symbol string) (CancelResult, error)
	CloseAllPositions(ctx context.Context, creds Credentials) (ClosedPositions, error)

	// StreamAccount is optional; adapters without a streaming capability
	// return (nil, false).
	StreamAccount(ctx context.Context, creds Credentials, sink StreamSink) (Subscription, bool)
}

// ClosedPositions is CloseAllPositions's result, before being stamped
// with event metadata into a domain.ActionOutcome by the caller.
type ClosedPositions struct {
	ClosedPositionIDs []string
	FailedPositionIDs []string
	TotalClosedValue  float64
	CancelledOrders   []string
}
