// Package domain holds the canonical trading model shared by every broker
// adapter: orders, positions, balances, quotes, and leverage information.
// Provider-native representations never leave the adapter that produced
// them; everything upstream sees only these types.
package domain

import "time"

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reversing side, used when closing a position.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType identifies how an order is priced and triggered.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus is the canonical provider-independent status vocabulary.
// Every adapter maps its native statuses onto this set.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// MarginType describes how collateral backs a position.
type MarginType string

const (
	MarginTypeCross    MarginType = "cross"
	MarginTypeIsolated MarginType = "isolated"
	MarginTypeNone     MarginType = "none"
)

// ConnectionState tracks one adapter's session with its provider.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnFailed       ConnectionState = "failed"
)

// OrderRequest is a caller's intent to trade, prior to submission.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	StrategyID    string    `json:"strategy_id,omitempty"`
}

// Order is the canonical record of a submitted order. It is created when a
// caller places an order and mutated only by the owning adapter (status
// refresh or cancellation) until it reaches a terminal status, after which
// it is immutable.
type Order struct {
	ID              string      `json:"id"`
	ProviderOrderID string      `json:"provider_order_id"`
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	Broker          string      `json:"broker"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	StopPrice       float64     `json:"stop_price,omitempty"`
	FilledQuantity  float64     `json:"filled_quantity"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Status          OrderStatus `json:"status"`
	StrategyID      string      `json:"strategy_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Terminal reports whether the order can change no further.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// ApplyUpdate merges a status refresh into the order, preserving the two
// order invariants: filled quantity never exceeds requested quantity, and a
// terminal order never changes. It reports whether the order was modified.
func (o *Order) ApplyUpdate(filled, avgPrice float64, status OrderStatus, at time.Time) bool {
	if o.Terminal() {
		return false
	}
	if filled > o.Quantity {
		filled = o.Quantity
	}
	if filled < o.FilledQuantity {
		// Providers occasionally report stale fill totals out of order.
		filled = o.FilledQuantity
	}
	o.FilledQuantity = filled
	if avgPrice > 0 {
		o.AvgFillPrice = avgPrice
	}
	o.Status = status
	o.UpdatedAt = at
	return true
}

// Position is a live exposure snapshot re-derived from the provider on every
// query; the gateway keeps no independent copy across calls.
type Position struct {
	Symbol           string     `json:"symbol"`
	Side             Side       `json:"side"`
	Quantity         float64    `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	MarkPrice        float64    `json:"mark_price"`
	Leverage         float64    `json:"leverage"`
	MarginType       MarginType `json:"margin_type"`
	LiquidationPrice float64    `json:"liquidation_price,omitempty"`
}

// UnrealizedPnL derives the open profit from entry and mark prices. It is
// computed, never stored.
func (p Position) UnrealizedPnL() float64 {
	diff := p.MarkPrice - p.EntryPrice
	if p.Side == SideSell {
		diff = -diff
	}
	return diff * p.Quantity
}

// Balance is an available amount in one settlement currency.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}

// Quote is a point-in-time price observation. Which convention Price
// follows (last, mid, bid) is documented per adapter.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid,omitempty"`
	Ask    float64   `json:"ask,omitempty"`
	At     time.Time `json:"at"`
}

// LeverageInfo describes margin state for one symbol. HealthRatio is
// normalized: 1.0 fully healthy, 0 imminent liquidation.
type LeverageInfo struct {
	Leverage         float64    `json:"leverage"`
	MaxLeverage      float64    `json:"max_leverage"`
	MarginType       MarginType `json:"margin_type"`
	Collateral       float64    `json:"collateral"`
	Borrowed         float64    `json:"borrowed"`
	HealthRatio      float64    `json:"health_ratio"`
	LiquidationPrice float64    `json:"liquidation_price,omitempty"`
}

// CashLeverageInfo is the fixed sentinel reported by providers with no
// margin concept.
func CashLeverageInfo() LeverageInfo {
	return LeverageInfo{
		Leverage:    1,
		MaxLeverage: 1,
		MarginType:  MarginTypeCross,
		HealthRatio: 1,
	}
}

// LeverageResult is the outcome of a SetLeverage call. Unsupported
// capabilities surface here as a sentinel value rather than an error so
// callers need no per-provider branching.
type LeverageResult struct {
	Supported bool    `json:"supported"`
	Leverage  float64 `json:"leverage"`
	Clamped   bool    `json:"clamped"`
}

// UnsupportedLeverage is the sentinel returned by cash-only adapters.
func UnsupportedLeverage() LeverageResult {
	return LeverageResult{Supported: false, Leverage: 1}
}
