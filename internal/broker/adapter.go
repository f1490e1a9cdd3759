package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/ratelimit"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/resilience"
)

// Compile-time interface check.
var _ Broker = (*Adapter)(nil)

// Adapter is the one generalized Broker implementation. Provider variants
// differ only in the ProviderClient and Capabilities they are constructed
// with; the surrounding machinery -- connection guard, per-symbol rate
// limiting, retry policy, validation, normalization, logging -- is shared.
type Adapter struct {
	name    string
	caps    Capabilities
	client  ProviderClient
	conn    *ConnectionManager
	limiter *ratelimit.Limiter
	policy  *resilience.Policy
	log     *slog.Logger

	now func() time.Time
}

// Options configures one adapter instance.
type Options struct {
	// Name identifies this instance in logs and the registry.
	Name string
	// Client is the provider wire implementation.
	Client ProviderClient
	// Caps describe the provider family's capability set.
	Caps Capabilities
	// MaxConcurrent bounds in-flight requests (provider's documented
	// concurrency limit).
	MaxConcurrent int
	// MinInterval is the minimum spacing between requests for one symbol.
	MinInterval time.Duration
	// Resilience tunes retry backoff and the attempt budget.
	Resilience resilience.Config
	// Log receives adapter events; defaults to slog.Default.
	Log *slog.Logger
}

// NewAdapter constructs an Adapter. The provider client is injected fully
// built; nothing is lazily materialized on first call.
func NewAdapter(opts Options) *Adapter {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("adapter", opts.Name)

	return &Adapter{
		name:    opts.Name,
		caps:    opts.Caps,
		client:  opts.Client,
		conn:    NewConnectionManager(opts.Client.Dial),
		limiter: ratelimit.New(opts.MaxConcurrent, opts.MinInterval),
		policy:  resilience.New(opts.Resilience, classify, log),
		log:     log,
		now:     time.Now,
	}
}

// classify maps the package error taxonomy onto resilience outcomes.
func classify(err error) (resilience.Outcome, time.Duration) {
	if d, ok := RetryAfter(err); ok {
		return resilience.Cooldown, d
	}
	if IsTransient(err) {
		return resilience.Retry, 0
	}
	return resilience.Fatal, 0
}

// Name returns the configured identifier.
func (a *Adapter) Name() string { return a.name }

// State reports the connection lifecycle state.
func (a *Adapter) State() domain.ConnectionState { return a.conn.State() }

// Connect establishes the provider session.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		a.log.Error("connect failed", "op", "connect", "error", err)
		return err
	}
	a.log.Info("connected")
	return nil
}

// Disconnect closes the provider session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	err := a.client.Close(ctx)
	a.conn.Disconnect()
	a.log.Info("disconnected")
	return err
}

// invoke runs one provider call under the full gate stack: connected guard,
// retry policy, and -- per attempt -- a concurrency permit plus the
// symbol's spacing slot. The permit is released only after the attempt
// completes. Account-scoped calls pass symbol "". The guard is re-asserted
// before every attempt, so a session lost mid-backoff stops the retry loop
// instead of burning the remaining budget.
func (a *Adapter) invoke(ctx context.Context, op, symbol string, fn func(context.Context) error) error {
	if err := a.conn.Require(); err != nil {
		a.log.Warn("operation refused", "op", op, "symbol", symbol, "error", err)
		return err
	}
	err := a.policy.Do(ctx, op, func(ctx context.Context) error {
		if rerr := a.conn.Require(); rerr != nil {
			return rerr
		}
		release, aerr := a.limiter.Acquire(ctx, symbol)
		if aerr != nil {
			return aerr
		}
		defer release()
		return fn(ctx)
	})
	if err != nil {
		a.log.Error("operation failed", "op", op, "symbol", symbol, "error", err)
	}
	return err
}

// GetBalance returns the available balance in currency.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (domain.Balance, error) {
	var bal domain.Balance
	err := a.invoke(ctx, "get_balance", "", func(ctx context.Context) error {
		var cerr error
		bal, cerr = a.client.Balance(ctx, currency)
		return cerr
	})
	return bal, err
}

// GetPositions returns the provider's current open-position snapshot.
func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	err := a.invoke(ctx, "get_positions", "", func(ctx context.Context) error {
		var cerr error
		positions, cerr = a.client.Positions(ctx)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	// Zero-quantity rows are closed exposure some venues still report.
	open := positions[:0]
	for _, p := range positions {
		if p.Quantity > 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// PlaceOrder validates the request, assigns the system order ID, and
// submits. The ID doubles as the client order ID sent to the provider when
// the caller supplied none, so later lookups correlate without adapter
// state.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := ValidateRequest(req); err != nil {
		a.log.Warn("order rejected", "op", "place_order", "symbol", req.Symbol, "error", err)
		return nil, err
	}
	id := uuid.NewString()
	if req.ClientOrderID == "" {
		req.ClientOrderID = id
	}

	var po ProviderOrder
	err := a.invoke(ctx, "place_order", req.Symbol, func(ctx context.Context) error {
		var cerr error
		po, cerr = a.client.Submit(ctx, req)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	order := a.toOrder(po)
	order.ID = id
	order.StrategyID = req.StrategyID
	return order, nil
}

// CancelOrder requests cancellation and returns the order's state after the
// request.
func (a *Adapter) CancelOrder(ctx context.Context, orderID, symbol string) (*domain.Order, error) {
	var po ProviderOrder
	err := a.invoke(ctx, "cancel_order", symbol, func(ctx context.Context) error {
		var cerr error
		po, cerr = a.client.Cancel(ctx, orderID, symbol)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return a.toOrder(po), nil
}

// GetOrderStatus refreshes an order read-only.
func (a *Adapter) GetOrderStatus(ctx context.Context, orderID, symbol string) (*domain.Order, error) {
	var po ProviderOrder
	err := a.invoke(ctx, "get_order_status", symbol, func(ctx context.Context) error {
		var cerr error
		po, cerr = a.client.Order(ctx, orderID, symbol)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return a.toOrder(po), nil
}

// ClosePosition flattens the open position for symbol with an opposite-side
// market order.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*domain.Order, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		return a.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:   symbol,
			Side:     p.Side.Opposite(),
			Type:     domain.OrderTypeMarket,
			Quantity: p.Quantity,
		})
	}
	return nil, fmt.Errorf("%w: no open position for %s", ErrOrderNotFound, symbol)
}

// GetCurrentPrice returns a quote; the convention behind Quote.Price is the
// client's, surfaced via Capabilities.PriceConvention.
func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	var quote domain.Quote
	err := a.invoke(ctx, "get_price", symbol, func(ctx context.Context) error {
		var cerr error
		quote, cerr = a.client.Price(ctx, symbol)
		return cerr
	})
	return quote, err
}

// SetLeverage applies leverage for symbol. Cash-only providers return the
// Unsupported sentinel without any network call; requests above the
// provider ceiling are clamped.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage float64, marginType domain.MarginType) (domain.LeverageResult, error) {
	if leverage < 1 {
		return domain.LeverageResult{}, fmt.Errorf("%w: leverage %v below 1", ErrValidation, leverage)
	}
	mc, ok := a.marginClient()
	if !ok || !a.caps.AdjustableLeverage {
		return domain.UnsupportedLeverage(), nil
	}

	clamped := false
	if a.caps.MaxLeverage > 0 && leverage > a.caps.MaxLeverage {
		leverage = a.caps.MaxLeverage
		clamped = true
		a.log.Warn("leverage clamped to provider maximum", "symbol", symbol, "max", a.caps.MaxLeverage)
	}
	err := a.invoke(ctx, "set_leverage", symbol, func(ctx context.Context) error {
		return mc.SetLeverage(ctx, symbol, leverage, marginType)
	})
	if err != nil {
		return domain.LeverageResult{}, err
	}
	return domain.LeverageResult{Supported: true, Leverage: leverage, Clamped: clamped}, nil
}

// GetLeverageInfo returns margin state for symbol, or the fixed cash
// sentinel for providers without a margin model.
func (a *Adapter) GetLeverageInfo(ctx context.Context, symbol string) (domain.LeverageInfo, error) {
	mc, ok := a.marginClient()
	if !ok {
		return domain.CashLeverageInfo(), nil
	}
	var pl ProviderLeverage
	err := a.invoke(ctx, "get_leverage_info", symbol, func(ctx context.Context) error {
		var cerr error
		pl, cerr = mc.LeverageInfo(ctx, symbol)
		return cerr
	})
	if err != nil {
		return domain.LeverageInfo{}, err
	}
	if pl.MaxLeverage == 0 {
		pl.MaxLeverage = a.caps.MaxLeverage
	}
	return NormalizeLeverage(pl), nil
}

// GetMarginHealthRatio returns the account-wide margin health; 1.0 for
// non-margin accounts.
func (a *Adapter) GetMarginHealthRatio(ctx context.Context) (float64, error) {
	mc, ok := a.marginClient()
	if !ok {
		return 1, nil
	}
	var ratio float64
	err := a.invoke(ctx, "get_margin_health", "", func(ctx context.Context) error {
		var cerr error
		ratio, cerr = mc.MarginHealth(ctx)
		return cerr
	})
	if err != nil {
		return 0, err
	}
	return ClampHealth(ratio), nil
}

// StreamOrders delivers normalized order updates from the provider's push
// channel until ctx is cancelled. Providers without a push channel return
// ErrUnsupported; callers fall back to polling.
func (a *Adapter) StreamOrders(ctx context.Context, fn func(*domain.Order)) error {
	sc, ok := a.client.(OrderStreamClient)
	if !ok {
		return fmt.Errorf("%w: order streaming", ErrUnsupported)
	}
	if err := a.conn.Require(); err != nil {
		return err
	}
	return sc.StreamOrders(ctx, func(po ProviderOrder) {
		fn(a.toOrder(po))
	})
}

func (a *Adapter) marginClient() (MarginClient, bool) {
	if !a.caps.Margin {
		return nil, false
	}
	mc, ok := a.client.(MarginClient)
	return mc, ok
}

// toOrder normalizes a provider-native snapshot into the canonical model.
func (a *Adapter) toOrder(po ProviderOrder) *domain.Order {
	status := NormalizeStatus(a.client.Statuses(), po.Status, a.log)
	filled := po.FilledQuantity
	if filled > po.Quantity {
		filled = po.Quantity
	}
	created := po.CreatedAt
	if created.IsZero() {
		created = a.now()
	}
	updated := po.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return &domain.Order{
		ID:              po.ClientOrderID,
		ProviderOrderID: po.ID,
		ClientOrderID:   po.ClientOrderID,
		Broker:          a.name,
		Symbol:          po.Symbol,
		Side:            po.Side,
		Type:            po.Type,
		Quantity:        po.Quantity,
		LimitPrice:      po.LimitPrice,
		StopPrice:       po.StopPrice,
		FilledQuantity:  filled,
		AvgFillPrice:    po.AvgFillPrice,
		Status:          status,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
}

// ValidateRequest checks the per-type required fields before any network
// call: limit orders need a limit price, stop orders a stop price, and
// stop-limit orders both.
func ValidateRequest(req domain.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrValidation)
	case req.Side != domain.SideBuy && req.Side != domain.SideSell:
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order requires a limit price", ErrValidation)
		}
	case domain.OrderTypeStop:
		if req.StopPrice <= 0 {
			return fmt.Errorf("%w: stop order requires a stop price", ErrValidation)
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice <= 0 || req.StopPrice <= 0 {
			return fmt.Errorf("%w: stop-limit order requires both limit and stop prices", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, req.Type)
	}
	return nil
}
