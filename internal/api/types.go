// Package api provides the HTTP and gRPC servers for the gateway, exposing
// broker state, trading, and leverage endpoints.
package api

import (
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// BrokerJSON is the JSON representation of one registered adapter.
type BrokerJSON struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// SubmitOrderJSON is the request body for order submission.
type SubmitOrderJSON struct {
	Broker        string  `json:"broker"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	StrategyID    string  `json:"strategy_id,omitempty"`
}

// Request converts the JSON body into a domain order request.
func (s SubmitOrderJSON) Request() domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:        s.Symbol,
		Side:          domain.Side(s.Side),
		Type:          domain.OrderType(s.Type),
		Quantity:      s.Quantity,
		LimitPrice:    s.LimitPrice,
		StopPrice:     s.StopPrice,
		ClientOrderID: s.ClientOrderID,
		StrategyID:    s.StrategyID,
	}
}

// SetLeverageJSON is the request body for leverage changes.
type SetLeverageJSON struct {
	Symbol     string  `json:"symbol"`
	Leverage   float64 `json:"leverage"`
	MarginType string  `json:"margin_type,omitempty"`
}

// ErrorJSON is the uniform error response body.
type ErrorJSON struct {
	Error string `json:"error"`
}
