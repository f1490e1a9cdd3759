// Package atgw provides a Go SDK for the gateway HTTP API.
package atgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Client talks to a running gateway server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BrokerState is one entry from ListBrokers.
type BrokerState struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// OrderRequest is the submission body for SubmitOrder.
type OrderRequest struct {
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

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d: %s", e.StatusCode, e.Message)
}

// ListBrokers returns the configured brokers and their connection states.
func (c *Client) ListBrokers(ctx context.Context) ([]BrokerState, error) {
	var out []BrokerState
	err := c.do(ctx, http.MethodGet, "/api/brokers", nil, &out)
	return out, err
}

// Connect asks the gateway to establish the named broker's session.
func (c *Client) Connect(ctx context.Context, broker string) (BrokerState, error) {
	var out BrokerState
	err := c.do(ctx, http.MethodPost, "/api/brokers/"+url.PathEscape(broker)+"/connect", nil, &out)
	return out, err
}

// Disconnect closes the named broker's session.
func (c *Client) Disconnect(ctx context.Context, broker string) (BrokerState, error) {
	var out BrokerState
	err := c.do(ctx, http.MethodPost, "/api/brokers/"+url.PathEscape(broker)+"/disconnect", nil, &out)
	return out, err
}

// GetBalance returns the broker's balance in currency.
func (c *Client) GetBalance(ctx context.Context, broker, currency string) (domain.Balance, error) {
	var out domain.Balance
	path := "/api/brokers/" + url.PathEscape(broker) + "/balance?currency=" + url.QueryEscape(currency)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetPositions returns the broker's open positions.
func (c *Client) GetPositions(ctx context.Context, broker string) ([]domain.Position, error) {
	var out []domain.Position
	err := c.do(ctx, http.MethodGet, "/api/brokers/"+url.PathEscape(broker)+"/positions", nil, &out)
	return out, err
}

// GetPrice returns the broker's current quote for symbol.
func (c *Client) GetPrice(ctx context.Context, broker, symbol string) (domain.Quote, error) {
	var out domain.Quote
	path := "/api/brokers/" + url.PathEscape(broker) + "/price?symbol=" + url.QueryEscape(symbol)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SubmitOrder places an order through the gateway.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (domain.Order, error) {
	var out domain.Order
	err := c.do(ctx, http.MethodPost, "/api/orders", req, &out)
	return out, err
}

// GetOrder returns the journaled order by system ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

// CancelOrder cancels a journaled order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

// GetLeverageInfo returns the broker's margin state for symbol.
func (c *Client) GetLeverageInfo(ctx context.Context, broker, symbol string) (domain.LeverageInfo, error) {
	var out domain.LeverageInfo
	path := "/api/brokers/" + url.PathEscape(broker) + "/leverage?symbol=" + url.QueryEscape(symbol)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
