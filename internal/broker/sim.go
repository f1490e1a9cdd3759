package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface check.
var _ ProviderClient = (*SimClient)(nil)

// SimClient is the in-memory paper-trading provider. Market orders fill
// immediately at the configured mark price; limit orders rest open until
// cancelled. Quote.Price carries the mark ("last") price. It backs paper
// mode and the adapter tests.
type SimClient struct {
	mu        sync.Mutex
	balances  map[string]float64
	positions map[string]domain.Position
	orders    map[string]ProviderOrder
	marks     map[string]float64
	seq       int

	// DialErr, when set, makes Dial fail; used to exercise the Failed
	// connection path.
	DialErr error
}

// NewSimClient creates a simulator with the given starting balances.
func NewSimClient(balances map[string]float64) *SimClient {
	b := make(map[string]float64, len(balances))
	for c, v := range balances {
		b[c] = v
	}
	return &SimClient{
		balances:  b,
		positions: make(map[string]domain.Position),
		orders:    make(map[string]ProviderOrder),
		marks:     make(map[string]float64),
	}
}

// SetMark sets the simulated mark price for a symbol.
func (c *SimClient) SetMark(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[symbol] = price
	if p, ok := c.positions[symbol]; ok {
		p.MarkPrice = price
		c.positions[symbol] = p
	}
}

func (c *SimClient) Dial(context.Context) error  { return c.DialErr }
func (c *SimClient) Close(context.Context) error { return nil }

func (c *SimClient) Balance(_ context.Context, currency string) (domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.balances[currency]
	return domain.Balance{Currency: currency, Available: v, Total: v}, nil
}

func (c *SimClient) Positions(context.Context) ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

func (c *SimClient) Submit(_ context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	now := time.Now().UTC()
	po := ProviderOrder{
		ID:            fmt.Sprintf("sim-%d", c.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "new",
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Type == domain.OrderTypeMarket {
		mark := c.marks[req.Symbol]
		po.Status = "filled"
		po.FilledQuantity = req.Quantity
		po.AvgFillPrice = mark
		c.applyFill(req, mark)
	}
	c.orders[po.ID] = po
	return po, nil
}

// applyFill nets the fill into the position book. Opposite-side fills
// reduce and, at zero quantity, remove the position.
func (c *SimClient) applyFill(req domain.OrderRequest, price float64) {
	pos, ok := c.positions[req.Symbol]
	if !ok {
		c.positions[req.Symbol] = domain.Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Quantity:   req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   1,
			MarginType: domain.MarginTypeNone,
		}
		return
	}
	if pos.Side == req.Side {
		total := pos.Quantity + req.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*req.Quantity) / total
		pos.Quantity = total
		c.positions[req.Symbol] = pos
		return
	}
	pos.Quantity -= req.Quantity
	if pos.Quantity <= 0 {
		delete(c.positions, req.Symbol)
		return
	}
	c.positions[req.Symbol] = pos
}

func (c *SimClient) Cancel(_ context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	po, ok := c.orders[providerOrderID]
	if !ok {
		return ProviderOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, providerOrderID)
	}
	if po.Status == "new" || po.Status == "partially_filled" {
		po.Status = "cancelled"
		po.UpdatedAt = time.Now().UTC()
		c.orders[providerOrderID] = po
	}
	return po, nil
}

func (c *SimClient) Order(_ context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	po, ok := c.orders[providerOrderID]
	if !ok {
		return ProviderOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, providerOrderID)
	}
	return po, nil
}

func (c *SimClient) Price(_ context.Context, symbol string) (domain.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mark, ok := c.marks[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("sim: no mark price for %s", symbol)
	}
	return domain.Quote{Symbol: symbol, Price: mark, At: time.Now().UTC()}, nil
}

func (c *SimClient) Statuses() StatusTable {
	return StatusTable{
		"new":              domain.OrderStatusOpen,
		"partially_filled": domain.OrderStatusPartiallyFilled,
		"filled":           domain.OrderStatusFilled,
		"cancelled":        domain.OrderStatusCancelled,
		"rejected":         domain.OrderStatusRejected,
		"expired":          domain.OrderStatusExpired,
	}
}
