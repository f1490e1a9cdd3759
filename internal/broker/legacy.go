package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// Compile-time interface check.
var _ ProviderClient = (*LegacyClient)(nil)

const legacyCooldown = 2 * time.Second

// LegacyConfig holds connection parameters for a legacy line-protocol
// venue.
type LegacyConfig struct {
	Addr    string // host:port
	Account string
	Token   string
}

// LegacyClient speaks the line protocol of the in-house legacy venue: one
// JSON document per newline over a raw TCP session, authenticated by a
// handshake message. Cash venue, no margin surface. Quote.Price carries
// the venue's last print ("last" convention). Requests are serialized on
// the single session; concurrency shaping happens in the adapter's
// limiter.
type LegacyClient struct {
	cfg LegacyConfig
	log *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewLegacyClient creates a client; the session is established by Dial.
func NewLegacyClient(cfg LegacyConfig, log *slog.Logger) *LegacyClient {
	if log == nil {
		log = slog.Default()
	}
	return &LegacyClient{cfg: cfg, log: log}
}

// legacyFrame is the wire envelope, request and response alike.
type legacyFrame struct {
	Op        string       `json:"op"`
	OK        bool         `json:"ok,omitempty"`
	Error     string       `json:"error,omitempty"`
	Account   string       `json:"account,omitempty"`
	Token     string       `json:"token,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Symbol    string       `json:"symbol,omitempty"`
	Side      string       `json:"side,omitempty"`
	Type      string       `json:"type,omitempty"`
	Qty       float64      `json:"qty,omitempty"`
	Limit     float64      `json:"limit,omitempty"`
	Stop      float64      `json:"stop,omitempty"`
	Ref       string       `json:"ref,omitempty"`
	ID        string       `json:"id,omitempty"`
	Available float64      `json:"available,omitempty"`
	Total     float64      `json:"total,omitempty"`
	Last      float64      `json:"last,omitempty"`
	Order     *legacyOrder `json:"order,omitempty"`
	Positions []legacyPos  `json:"positions,omitempty"`
}

type legacyOrder struct {
	ID     string  `json:"id"`
	Ref    string  `json:"ref"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Qty    float64 `json:"qty"`
	Filled float64 `json:"filled"`
	Avg    float64 `json:"avg"`
	Limit  float64 `json:"limit"`
	Stop   float64 `json:"stop"`
	Status string  `json:"status"`
	TS     int64   `json:"ts"`
}

type legacyPos struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Qty    float64 `json:"qty"`
	Entry  float64 `json:"entry"`
	Mark   float64 `json:"mark"`
}

// Dial opens the TCP session and performs the auth handshake.
func (c *LegacyClient) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return Transient(err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.mu.Unlock()

	resp, err := c.roundTrip(ctx, legacyFrame{Op: "auth", Account: c.cfg.Account, Token: c.cfg.Token})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: legacy: %s", ErrAuthentication, resp.Error)
	}
	return nil
}

func (c *LegacyClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

// roundTrip writes one frame and reads one response line. The session is a
// strict request/response alternation, so a mutex serializes callers.
func (c *LegacyClient) roundTrip(ctx context.Context, req legacyFrame) (legacyFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return legacyFrame{}, Transient(fmt.Errorf("legacy: session closed"))
	}
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	raw, err := json.Marshal(req)
	if err != nil {
		return legacyFrame{}, err
	}
	if _, err := c.conn.Write(append(raw, '\n')); err != nil {
		return legacyFrame{}, Transient(err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return legacyFrame{}, Transient(err)
	}
	var resp legacyFrame
	if err := json.Unmarshal(line, &resp); err != nil {
		return legacyFrame{}, Transient(fmt.Errorf("legacy: bad frame: %w", err))
	}
	return resp, nil
}

// call performs a round trip and maps venue error strings onto the
// taxonomy.
func (c *LegacyClient) call(ctx context.Context, req legacyFrame) (legacyFrame, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return legacyFrame{}, err
	}
	if resp.OK {
		return resp, nil
	}
	msg := strings.ToLower(resp.Error)
	switch {
	case strings.Contains(msg, "throttle") || strings.Contains(msg, "busy"):
		return legacyFrame{}, &RateLimitError{RetryAfter: legacyCooldown}
	case strings.Contains(msg, "unknown order"):
		return legacyFrame{}, fmt.Errorf("%w: legacy: %s", ErrOrderNotFound, resp.Error)
	case strings.Contains(msg, "auth"):
		return legacyFrame{}, fmt.Errorf("%w: legacy: %s", ErrAuthentication, resp.Error)
	default:
		return legacyFrame{}, fmt.Errorf("legacy: %s", resp.Error)
	}
}

func (c *LegacyClient) Balance(ctx context.Context, currency string) (domain.Balance, error) {
	resp, err := c.call(ctx, legacyFrame{Op: "balance", Currency: currency})
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Currency: currency, Available: resp.Available, Total: resp.Total}, nil
}

func (c *LegacyClient) Positions(ctx context.Context) ([]domain.Position, error) {
	resp, err := c.call(ctx, legacyFrame{Op: "positions"})
	if err != nil {
		return nil, err
	}
	positions := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := domain.SideBuy
		if strings.EqualFold(p.Side, "sell") || strings.EqualFold(p.Side, "short") {
			side = domain.SideSell
		}
		positions = append(positions, domain.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   p.Qty,
			EntryPrice: p.Entry,
			MarkPrice:  p.Mark,
			Leverage:   1,
			MarginType: domain.MarginTypeNone,
		})
	}
	return positions, nil
}

func (c *LegacyClient) Submit(ctx context.Context, req domain.OrderRequest) (ProviderOrder, error) {
	resp, err := c.call(ctx, legacyFrame{
		Op:     "place",
		Symbol: req.Symbol,
		Side:   string(req.Side),
		Type:   string(req.Type),
		Qty:    req.Quantity,
		Limit:  req.LimitPrice,
		Stop:   req.StopPrice,
		Ref:    req.ClientOrderID,
	})
	if err != nil {
		return ProviderOrder{}, err
	}
	if resp.Order == nil {
		return ProviderOrder{}, Transient(fmt.Errorf("legacy: place returned no order"))
	}
	return resp.Order.toProviderOrder(), nil
}

func (c *LegacyClient) Cancel(ctx context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	resp, err := c.call(ctx, legacyFrame{Op: "cancel", ID: providerOrderID})
	if err != nil {
		return ProviderOrder{}, err
	}
	if resp.Order == nil {
		return ProviderOrder{}, Transient(fmt.Errorf("legacy: cancel returned no order"))
	}
	return resp.Order.toProviderOrder(), nil
}

func (c *LegacyClient) Order(ctx context.Context, providerOrderID, _ string) (ProviderOrder, error) {
	resp, err := c.call(ctx, legacyFrame{Op: "order", ID: providerOrderID})
	if err != nil {
		return ProviderOrder{}, err
	}
	if resp.Order == nil {
		return ProviderOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, providerOrderID)
	}
	return resp.Order.toProviderOrder(), nil
}

// Price returns the venue's last print ("last" convention).
func (c *LegacyClient) Price(ctx context.Context, symbol string) (domain.Quote, error) {
	resp, err := c.call(ctx, legacyFrame{Op: "price", Symbol: symbol})
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{Symbol: symbol, Price: resp.Last, At: time.Now().UTC()}, nil
}

func (c *LegacyClient) Statuses() StatusTable {
	return StatusTable{
		"ack": domain.OrderStatusPending,
		"wrk": domain.OrderStatusOpen,
		"prt": domain.OrderStatusPartiallyFilled,
		"fil": domain.OrderStatusFilled,
		"cxl": domain.OrderStatusCancelled,
		"rej": domain.OrderStatusRejected,
		"exp": domain.OrderStatusExpired,
	}
}

func (o *legacyOrder) toProviderOrder() ProviderOrder {
	side := domain.SideBuy
	if strings.EqualFold(o.Side, "sell") {
		side = domain.SideSell
	}
	ts := time.Unix(o.TS, 0).UTC()
	if o.TS == 0 {
		ts = time.Time{}
	}
	return ProviderOrder{
		ID:             o.ID,
		ClientOrderID:  o.Ref,
		Symbol:         o.Symbol,
		Side:           side,
		Type:           domain.OrderType(o.Type),
		Status:         o.Status,
		Quantity:       o.Qty,
		FilledQuantity: o.Filled,
		AvgFillPrice:   o.Avg,
		LimitPrice:     o.Limit,
		StopPrice:      o.Stop,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}
