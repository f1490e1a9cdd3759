// Package broker defines the capability contract every provider adapter
// must satisfy and provides one generalized adapter implementation that
// composes connection management, rate limiting, and retry policy around a
// provider-specific client. Callers interact with every provider -- spot
// and derivatives exchanges, equities brokers, legacy socket venues --
// through the same interface and the same canonical data model.
package broker

import (
	"context"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Broker is the uniform contract over one provider instance. Capabilities a
// provider lacks return sentinel results (domain.UnsupportedLeverage,
// domain.CashLeverageInfo) rather than errors, so callers need no
// per-provider branching.
type Broker interface {
	// Name returns the configured broker identifier (e.g. "bybit-main").
	Name() string

	// Connect establishes the authenticated session. Idempotent: repeated
	// calls while connected are no-ops. Fails with ErrConnection or
	// ErrAuthentication.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. Subsequent authenticated calls
	// fail with ErrNotConnected until Connect succeeds again.
	Disconnect(ctx context.Context) error

	// State reports the connection lifecycle state.
	State() domain.ConnectionState

	// GetBalance returns the available balance in the requested currency.
	GetBalance(ctx context.Context, currency string) (domain.Balance, error)

	// GetPositions returns the current snapshot of open positions. An empty
	// slice is a valid result, not an error.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// PlaceOrder validates the request, submits it, and returns the order
	// in a non-terminal status. Validation failures (ErrValidation) are
	// raised before any network call.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)

	// CancelOrder requests cancellation and returns the order's resulting
	// status. Providers that cancel asynchronously report a pre-terminal
	// status; callers poll GetOrderStatus to observe the terminal state.
	CancelOrder(ctx context.Context, orderID, symbol string) (*domain.Order, error)

	// GetOrderStatus refreshes an order read-only. Fails with
	// ErrOrderNotFound if the provider has no record.
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*domain.Order, error)

	// ClosePosition submits a market order opposite the open position for
	// symbol. Fails with ErrOrderNotFound if no position is open.
	ClosePosition(ctx context.Context, symbol string) (*domain.Order, error)

	// GetCurrentPrice returns a quote for symbol. The price convention
	// (last, mid, bid) is documented per provider client.
	GetCurrentPrice(ctx context.Context, symbol string) (domain.Quote, error)

	// SetLeverage applies leverage for symbol, clamping to the provider's
	// maximum. Cash-only providers return the Unsupported sentinel.
	SetLeverage(ctx context.Context, symbol string, leverage float64, marginType domain.MarginType) (domain.LeverageResult, error)

	// GetLeverageInfo returns margin state for symbol; cash-only providers
	// return the fixed sentinel with leverage 1 and health ratio 1.
	GetLeverageInfo(ctx context.Context, symbol string) (domain.LeverageInfo, error)

	// GetMarginHealthRatio returns the account-wide margin health in
	// [0, 1]; 1.0 for non-margin accounts.
	GetMarginHealthRatio(ctx context.Context) (float64, error)
}

// OrderStreamer is the optional push surface of a Broker: implementations
// deliver normalized order updates until ctx is cancelled. Callers that
// find the interface absent fall back to polling GetOrderStatus.
type OrderStreamer interface {
	StreamOrders(ctx context.Context, fn func(*domain.Order)) error
}
