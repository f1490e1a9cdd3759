package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface checks.
var (
	_ ProviderClient = (*AlpacaClient)(nil)
	_ MarginClient   = (*AlpacaClient)(nil)
)

// Alpaca throttles per minute without a retry-after hint.
const alpacaCooldown = 10 * time.Second

// AlpacaConfig holds connection parameters for one Alpaca account.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string // https://paper-api.alpaca.markets for sandbox
}

// AlpacaClient adapts the Alpaca equities brokerage via the official v3
// SDK. Equities family: Reg-T margin account, so the margin queries are
// live but leverage is not settable per symbol. Quote.Price carries the
// NBBO midpoint ("mid" convention).
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	log     *slog.Logger
}

// NewAlpacaClient builds the SDK clients up front; nothing is lazily
// materialized on first call.
func NewAlpacaClient(cfg AlpacaConfig, log *slog.Logger) *AlpacaClient {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		log: log,
	}
}

// alpacaError wraps SDK errors into the package taxonomy so they never
// cross the adapter boundary in provider-specific form.
func alpacaError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: alpaca: %s", ErrAuthentication, apiErr.Message)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: alpaca: %s", ErrOrderNotFound, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: alpacaCooldown}
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusRequestTimeout:
			return Transient(err)
		}
		return fmt.Errorf("alpaca: %s", apiErr.Message)
	}
	// Anything that is not a structured API error is a transport failure.
	return Transient(err)
}

// ---------------------------------------------------------------------------
// ProviderClient
// ---------------------------------------------------------------------------

// Dial verifies the credentials with an account round trip.
func (c *AlpacaClient) Dial(_ context.Context) error {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return alpacaError(err)
	}
	if acct.Status != "ACTIVE" {
		return fmt.Errorf("%w: alpaca account status %s", ErrConnection, acct.Status)
	}
	return nil
}

func (c *AlpacaClient) Close(context.Context) error { return nil }

func (c *AlpacaClient) Balance(_ context.Context, currency string) (domain.Balance, error) {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return domain.Balance{}, alpacaError(err)
	}
	// Alpaca accounts settle in USD only.
	if !strings.EqualFold(currency, "USD") {
		return domain.Balance{Currency: currency}, nil
	}
	return domain.Balance{
		Currency:  "USD",
		Available: acct.Cash.InexactFloat64(),
		Total:     acct.Equity.InexactFloat64(),
	}, nil
}

func (c *AlpacaClient) Positions(_ context.Context) ([]domain.Position, error) {
	list, err := c.trading.GetPositions()
	if err != nil {
		return nil, alpacaError(err)
	}
	positions := make([]domain.Position, 0, len(list))
	for _, p := range list {
		qty := p.Qty.InexactFloat64()
		side := domain.SideBuy
		if qty < 0 || strings.EqualFold(string(p.Side), "short") {
			side = domain.SideSell
			if qty < 0 {
				qty = -qty
			}
		}
		pos := domain.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: p.AvgEntryPrice.InexactFloat64(),
			Leverage:   1,
			MarginType: domain.MarginTypeCross,
		}
		if p.CurrentPrice != nil {
			pos.MarkPrice = p.CurrentPrice.InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *AlpacaClient) Submit(_ context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		placeReq.Type = alpaca.Market
	case domain.OrderTypeLimit:
		placeReq.Type = alpaca.Limit
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	case domain.OrderTypeStop:
		placeReq.Type = alpaca.Stop
		stop := decimal.NewFromFloat(req.StopPrice)
		placeReq.StopPrice = &stop
	case domain.OrderTypeStopLimit:
		placeReq.Type = alpaca.StopLimit
		limit := decimal.NewFromFloat(req.LimitPrice)
		stop := decimal.NewFromFloat(req.StopPrice)
		placeReq.LimitPrice = &limit
		placeReq.StopPrice = &stop
	}

	o, err := c.trading.PlaceOrder(placeReq)
	if err != nil {
		return ProviderOrder{}, alpacaError(err)
	}
	return alpacaOrder(o), nil
}

func (c *AlpacaClient) Cancel(ctx context.Context, providerOrderID, symbol string) (ProviderOrder, error) {
	if err := c.trading.CancelOrder(providerOrderID); err != nil {
		return ProviderOrder{}, alpacaError(err)
	}
	return c.Order(ctx, providerOrderID, symbol)
}

func (c *AlpacaClient) Order(_ context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	o, err := c.trading.GetOrder(providerOrderID)
	if err != nil {
		return ProviderOrder{}, alpacaError(err)
	}
	return alpacaOrder(o), nil
}

// Price returns the NBBO midpoint ("mid" convention); equities quotes are
// two-sided, so mid is the least-biased single number.
func (c *AlpacaClient) Price(_ context.Context, symbol string) (domain.Quote, error) {
	q, err := c.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return domain.Quote{}, alpacaError(err)
	}
	return domain.Quote{
		Symbol: symbol,
		Price:  (q.BidPrice + q.AskPrice) / 2,
		Bid:    q.BidPrice,
		Ask:    q.AskPrice,
		At:     q.Timestamp,
	}, nil
}

func (c *AlpacaClient) Statuses() StatusTable {
	return StatusTable{
		"new":                  domain.OrderStatusOpen,
		"accepted":             domain.OrderStatusOpen,
		"pending_new":          domain.OrderStatusPending,
		"accepted_for_bidding": domain.OrderStatusPending,
		"partially_filled":     domain.OrderStatusPartiallyFilled,
		"filled":               domain.OrderStatusFilled,
		"canceled":             domain.OrderStatusCancelled,
		"pending_cancel":       domain.OrderStatusOpen,
		"pending_replace":      domain.OrderStatusOpen,
		"replaced":             domain.OrderStatusOpen,
		"rejected":             domain.OrderStatusRejected,
		"expired":              domain.OrderStatusExpired,
		"done_for_day":         domain.OrderStatusExpired,
		"stopped":              domain.OrderStatusOpen,
		"suspended":            domain.OrderStatusPending,
	}
}

// ---------------------------------------------------------------------------
// MarginClient
// ---------------------------------------------------------------------------

// SetLeverage is not offered on equities accounts; the adapter never calls
// this because AdjustableLeverage is false, but the surface stays complete.
func (c *AlpacaClient) SetLeverage(context.Context, string, float64, domain.MarginType) error {
	return fmt.Errorf("%w: alpaca: leverage is fixed by Reg-T margin rules", ErrUnsupported)
}

// LeverageInfo reports the account-level Reg-T margin state; equities
// margin applies account-wide, not per symbol.
func (c *AlpacaClient) LeverageInfo(_ context.Context, _ string) (ProviderLeverage, error) {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return ProviderLeverage{}, alpacaError(err)
	}
	equity := acct.Equity.InexactFloat64()
	gross := acct.LongMarketValue.InexactFloat64() - acct.ShortMarketValue.InexactFloat64()
	leverage := 1.0
	if equity > 0 && gross > equity {
		leverage = gross / equity
	}
	return ProviderLeverage{
		Leverage:               leverage,
		MarginType:             domain.MarginTypeCross,
		Collateral:             equity,
		Equity:                 equity,
		MaintenanceRequirement: acct.MaintenanceMargin.InexactFloat64(),
	}, nil
}

// MarginHealth derives (equity - maintenance) / maintenance, clamped.
func (c *AlpacaClient) MarginHealth(_ context.Context) (float64, error) {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return 0, alpacaError(err)
	}
	maint := acct.MaintenanceMargin.InexactFloat64()
	if maint <= 0 {
		return 1, nil
	}
	return ClampHealth((acct.Equity.InexactFloat64() - maint) / maint), nil
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// alpacaOrder maps an SDK order into the provider-native snapshot.
func alpacaOrder(o *alpaca.Order) ProviderOrder {
	po := ProviderOrder{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.Side(o.Side),
		Status:         string(o.Status),
		FilledQuantity: o.FilledQty.InexactFloat64(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	switch o.Type {
	case alpaca.Limit:
		po.Type = domain.OrderTypeLimit
	case alpaca.Stop:
		po.Type = domain.OrderTypeStop
	case alpaca.StopLimit:
		po.Type = domain.OrderTypeStopLimit
	default:
		po.Type = domain.OrderTypeMarket
	}
	if o.Qty != nil {
		po.Quantity = o.Qty.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		po.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.LimitPrice != nil {
		po.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		po.StopPrice = o.StopPrice.InexactFloat64()
	}
	return po
}
