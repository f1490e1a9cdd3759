package broker

import (
	"context"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Capabilities parameterize the generalized adapter for one provider
// family. The adapter consults them instead of branching on provider names.
type Capabilities struct {
	// Margin is true for providers with a leverage/margin model. When
	// false the adapter answers leverage queries with fixed sentinels and
	// never calls the client's margin surface.
	Margin bool

	// AdjustableLeverage is true when the provider lets callers set
	// per-symbol leverage. Equities margin accounts have a margin model
	// but no such control, so SetLeverage answers with the Unsupported
	// sentinel while the margin queries stay live.
	AdjustableLeverage bool

	// MaxLeverage caps SetLeverage requests; requests above it are clamped,
	// mirroring how the venues themselves behave.
	MaxLeverage float64

	// PriceConvention documents what Quote.Price carries for this
	// provider: "last", "mid", or "bid".
	PriceConvention string
}

// ProviderOrder is a provider-native order snapshot before normalization.
// Status carries the provider's own vocabulary; everything else is already
// in canonical units.
type ProviderOrder struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           domain.Side
	Type           domain.OrderType
	Status         string
	Quantity       float64
	FilledQuantity float64
	AvgFillPrice   float64
	LimitPrice     float64
	StopPrice      float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProviderLeverage is a provider-native margin snapshot. Clients fill
// HealthRatio directly when the venue reports one (derivatives wallets), or
// Equity and MaintenanceRequirement for the adapter to derive it.
type ProviderLeverage struct {
	Leverage               float64
	MaxLeverage            float64
	MarginType             domain.MarginType
	Collateral             float64
	Borrowed               float64
	Equity                 float64
	MaintenanceRequirement float64
	HealthRatio            float64
	LiquidationPrice       float64
}

// ProviderClient is the raw wire surface a provider implementation exposes.
// Clients own only the provider dialect: request signing, endpoints, field
// mapping. The generalized adapter owns everything else -- the connection
// guard, rate limiting, retries, validation, and normalization -- so a
// client method is always invoked connected, spaced, and inside the retry
// policy. Client errors must be wrapped into the package taxonomy
// (Transient, RateLimitError, ErrAuthentication, ...) before returning.
type ProviderClient interface {
	// Dial establishes and verifies the authenticated session.
	Dial(ctx context.Context) error

	// Close releases the session.
	Close(ctx context.Context) error

	// Balance returns the available balance for one currency.
	Balance(ctx context.Context, currency string) (domain.Balance, error)

	// Positions returns all open positions.
	Positions(ctx context.Context) ([]domain.Position, error)

	// Submit places the order and returns the provider's acknowledgement.
	Submit(ctx context.Context, req domain.OrderRequest) (ProviderOrder, error)

	// Cancel requests cancellation and returns the order's state after the
	// request, which may still be non-terminal on venues that cancel
	// asynchronously.
	Cancel(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error)

	// Order fetches the current state of an order.
	Order(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error)

	// Price returns a quote following the client's documented convention.
	Price(ctx context.Context, symbol string) (domain.Quote, error)

	// Statuses returns the provider's native-to-canonical status table.
	Statuses() StatusTable
}

// MarginClient is the optional margin surface of a ProviderClient. The
// adapter only calls it when Capabilities.Margin is set.
type MarginClient interface {
	SetLeverage(ctx context.Context, symbol string, leverage float64, marginType domain.MarginType) error
	LeverageInfo(ctx context.Context, symbol string) (ProviderLeverage, error)
	MarginHealth(ctx context.Context) (float64, error)
}

// OrderStreamClient is the optional push surface: clients that maintain a
// provider order-update stream deliver native snapshots to fn until ctx is
// cancelled. Callers still reconcile via Order; the stream only reduces
// polling latency.
type OrderStreamClient interface {
	StreamOrders(ctx context.Context, fn func(ProviderOrder)) error
}
